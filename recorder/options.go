// Package recorder captures updates from a subscription into a segment.
//
// Updates are buffered into batches. A sealed batch is compressed on a
// bounded worker pool while the next one fills, and a single appender writes
// sealed batches to the segment in sealing order.
package recorder

import (
	"log/slog"
	"time"

	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/metrics"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxBatchRecords      = 1024
	DefaultMaxBatchBytes        = 256 * 1024
	DefaultMaxBatchDelay        = time.Second
	DefaultCompressionWorkers   = 2
	DefaultFlushInterval        = 5 * time.Second
	DefaultMaxAppendRetries     = 5
	DefaultRetryInitialInterval = 50 * time.Millisecond
	DefaultRetryMaxInterval     = 2 * time.Second

	// A batch whose records all share one timestamp may grow past the size
	// thresholds, but never past this multiple of MaxBatchRecords.
	hardCapFactor = 8
)

type Options struct {
	// A batch is sealed when it holds MaxBatchRecords records, reaches
	// MaxBatchBytes of encoded records, or MaxBatchDelay after its first
	// record arrived.
	MaxBatchRecords int
	MaxBatchBytes   int
	MaxBatchDelay   time.Duration

	// CompressionWorkers bounds concurrent batch compression.
	CompressionWorkers int
	// FlushInterval is how often appended batches are made durable.
	FlushInterval time.Duration

	// MaxAppendRetries is how many times a failed append is retried before
	// the recording fails.
	MaxAppendRetries     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	Clock       clockwork.Clock
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Metrics     *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxBatchRecords <= 0 {
		o.MaxBatchRecords = DefaultMaxBatchRecords
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if o.MaxBatchDelay <= 0 {
		o.MaxBatchDelay = DefaultMaxBatchDelay
	}
	if o.CompressionWorkers <= 0 {
		o.CompressionWorkers = DefaultCompressionWorkers
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaxAppendRetries < 0 {
		o.MaxAppendRetries = 0
	} else if o.MaxAppendRetries == 0 {
		o.MaxAppendRetries = DefaultMaxAppendRetries
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
