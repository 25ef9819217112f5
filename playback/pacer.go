package playback

import (
	"math"
	"time"
)

// pacer maps recorded timestamps to wall-clock deadlines. It keeps an anchor
// pairing a wall time with a recorded time; the deadline of a record is the
// anchor wall time plus the recorded gap divided by the rate. Rate changes,
// pauses and seeks move the anchor so earlier timing never leaks into later
// delays.
type pacer struct {
	rate     float64
	anchored bool
	// paused holds the position frozen until thaw; wall is stale meanwhile.
	paused bool
	wall   time.Time
	rec    int64
}

// position is the recorded time that corresponds to now.
func (p *pacer) position(now time.Time) int64 {
	return p.rec + int64(float64(now.Sub(p.wall))*p.rate)
}

// delay returns how long to wait before publishing a record at ts. The first
// record after a reset anchors the pacer and is due immediately.
func (p *pacer) delay(ts int64, now time.Time) time.Duration {
	if p.rate == 0 {
		return 0
	}
	if !p.anchored {
		p.anchored = true
		p.wall, p.rec = now, ts
		return 0
	}
	gap := float64(ts-p.rec) / p.rate
	if gap > math.MaxInt64 {
		gap = math.MaxInt64
	}
	return p.wall.Add(time.Duration(gap)).Sub(now)
}

// setRate changes the rate without disturbing the current position.
func (p *pacer) setRate(rate float64, now time.Time) {
	switch {
	case !p.anchored || p.rate <= 0 || rate <= 0:
		p.anchored = false
	case p.paused:
	default:
		p.rec, p.wall = p.position(now), now
	}
	p.rate = rate
}

// freeze fixes the position at now, for a pause.
func (p *pacer) freeze(now time.Time) {
	if p.paused {
		return
	}
	if p.anchored && p.rate > 0 {
		p.rec, p.wall = p.position(now), now
	}
	p.paused = true
}

// thaw continues from the frozen position at now.
func (p *pacer) thaw(now time.Time) {
	p.wall = now
	p.paused = false
}

// reset forgets the anchor; the next record is due immediately.
func (p *pacer) reset() {
	p.anchored = false
}
