package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/nexusarchive/hooks"
)

// CorruptionAlerterListener raises an alert when a segment turns out to hold
// unreadable data, and a warning when a time index had to be rebuilt for any
// reason other than a missing sidecar.
type CorruptionAlerterListener struct {
	logger  *slog.Logger
	corrupt atomic.Int64
}

func NewCorruptionAlerterListener(logger *slog.Logger) *CorruptionAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CorruptionAlerterListener{
		logger: logger.With("component", "CorruptionAlerterListener"),
	}
}

func (l *CorruptionAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventOnCorruptBatch:
		payload, ok := event.Payload().(hooks.CorruptBatchPayload)
		if !ok {
			l.logger.Error("Received OnCorruptBatch event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		n := l.corrupt.Add(1)
		l.logger.Error("Segment data is corrupt; records past this offset are lost",
			"segment", payload.Path,
			"offset", payload.Offset,
			"error", payload.Error,
			"corrupt_segments_seen", n,
		)
	case hooks.EventPostIndexRebuild:
		payload, ok := event.Payload().(hooks.IndexRebuildPayload)
		if !ok || payload.Reason == "missing" || payload.Reason == "requested" {
			return nil
		}
		l.logger.Warn("Time index was rebuilt",
			"segment", payload.Path,
			"reason", payload.Reason,
			"entries", payload.Entries,
		)
	}
	return nil
}

// Seen returns how many corrupt batches have been reported.
func (l *CorruptionAlerterListener) Seen() int64 { return l.corrupt.Load() }

func (l *CorruptionAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *CorruptionAlerterListener) IsAsync() bool { return true }
