package recorder

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// clockTimer drives backoff waits from the recorder's clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

var _ backoff.Timer = (*clockTimer)(nil)

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.timer.Chan() }

func (r *Recording) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInitialInterval
	b.MaxInterval = r.opts.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Clock = r.opts.Clock
	return backoff.WithMaxRetries(b, uint64(r.opts.MaxAppendRetries))
}
