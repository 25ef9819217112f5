// Package playback republishes the records of a segment with their original
// pacing, scaled by a rate, under the control of a small state machine.
package playback

import (
	"log/slog"
	"math"
	"time"

	"github.com/INLOpen/nexusarchive/cursor"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/metrics"
	"github.com/jonboulle/clockwork"
)

const DefaultPollInterval = 100 * time.Millisecond

// FromStart passed to Start plays from the first record.
const FromStart int64 = math.MinInt64

type Options struct {
	// Rate scales the recorded gaps between records: 2 plays twice as fast.
	// Zero publishes as fast as possible.
	Rate float64
	// Follow keeps the controller playing at the end of the data, waiting for
	// records committed later.
	Follow       bool
	PollInterval time.Duration

	Cursor      cursor.Options
	Clock       clockwork.Clock
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Metrics     *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Cursor.Logger == nil {
		o.Cursor.Logger = o.Logger
	}
	return o
}

func validRate(r float64) bool {
	return r >= 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}
