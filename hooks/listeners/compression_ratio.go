package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusarchive/hooks"
)

var (
	// expvar names are process-global, so the variables are created once and
	// shared by every CompressionRatioListener.
	compressionMetricsOnce sync.Once
	totalRawBytes          *expvar.Int
	totalStoredBytes       *expvar.Int
	batchesObserved        *expvar.Int
	rawStoredBatches       *expvar.Int
)

func initCompressionMetrics() {
	compressionMetricsOnce.Do(func() {
		totalRawBytes = expvar.NewInt("archive_batch_raw_bytes_total")
		totalStoredBytes = expvar.NewInt("archive_batch_stored_bytes_total")
		batchesObserved = expvar.NewInt("archive_batches_total")
		rawStoredBatches = expvar.NewInt("archive_batches_stored_uncompressed_total")
		// Evaluated on every scrape.
		expvar.Publish("archive_compression_ratio", expvar.Func(func() interface{} {
			stored := totalStoredBytes.Value()
			if stored == 0 {
				return 0.0
			}
			return float64(totalRawBytes.Value()) / float64(stored)
		}))
	})
}

// CompressionRatioListener tracks how well batch payloads compress.
type CompressionRatioListener struct {
	logger *slog.Logger

	totalRawBytes    *expvar.Int
	totalStoredBytes *expvar.Int
	batchesObserved  *expvar.Int
	rawStoredBatches *expvar.Int
}

func NewCompressionRatioListener(logger *slog.Logger) *CompressionRatioListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initCompressionMetrics()
	return &CompressionRatioListener{
		logger:           logger.With("component", "CompressionRatioListener"),
		totalRawBytes:    totalRawBytes,
		totalStoredBytes: totalStoredBytes,
		batchesObserved:  batchesObserved,
		rawStoredBatches: rawStoredBatches,
	}
}

// OnEvent is called when a PostBatchAppend event is triggered.
func (l *CompressionRatioListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.BatchAppendPayload)
	if !ok {
		return nil
	}
	l.totalRawBytes.Add(int64(payload.RawBytes))
	l.totalStoredBytes.Add(int64(payload.StoredBytes))
	l.batchesObserved.Add(1)
	if payload.StoredBytes >= payload.RawBytes {
		l.rawStoredBatches.Add(1)
	}
	l.logger.Debug("Batch appended",
		"segment", payload.Path,
		"records", payload.Records,
		"raw_bytes", payload.RawBytes,
		"stored_bytes", payload.StoredBytes,
		"compression", payload.Compression,
	)
	return nil
}

func (l *CompressionRatioListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *CompressionRatioListener) IsAsync() bool { return true }

// Ratio is raw bytes over stored bytes across all batches seen so far.
func (l *CompressionRatioListener) Ratio() float64 {
	stored := l.totalStoredBytes.Value()
	if stored == 0 {
		return 0
	}
	return float64(l.totalRawBytes.Value()) / float64(stored)
}
