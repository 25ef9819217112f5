// Package segment implements the append-only segment file: a fixed header
// followed by checksummed, compressed batch frames, each made visible by a
// commit marker. One Writer appends; any number of Readers follow.
package segment

import (
	"log/slog"
	"time"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/metrics"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	// Compressor encodes batch payloads written by Append. Defaults to snappy.
	Compressor core.Compressor
	// SyncEveryAppend makes every Append durable before it returns.
	SyncEveryAppend bool
	// LockTimeout is how long Create and OpenAppend wait for the writer lock.
	LockTimeout time.Duration

	Logger      *slog.Logger
	Tracer      trace.Tracer
	HookManager hooks.HookManager
	Metrics     *metrics.Metrics
}

func (o Options) logger(component string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}
