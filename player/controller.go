package player

import (
	"fmt"
	"time"
)

// Controller holds playback position and rate. It performs no I/O; the
// player loop asks it where playback should be and commits what was
// actually delivered.
type Controller struct {
	start   Time
	end     Time
	current Time
	speed   float64
	playing bool

	endNotified bool

	minSpeed       float64
	maxSpeed       float64
	maxTickElapsed time.Duration
}

// NewController returns a paused controller at start of [start, end].
func NewController(start, end Time, cfg Config) *Controller {
	return &Controller{
		start:          start,
		end:            end,
		current:        start,
		speed:          1,
		minSpeed:       cfg.MinSpeed,
		maxSpeed:       cfg.MaxSpeed,
		maxTickElapsed: cfg.MaxTickDuration,
	}
}

func (c *Controller) Current() Time   { return c.current }
func (c *Controller) Start() Time     { return c.start }
func (c *Controller) End() Time       { return c.end }
func (c *Controller) Speed() float64  { return c.speed }
func (c *Controller) IsPlaying() bool { return c.playing }

// AtEnd reports whether the position has reached the end of the data.
func (c *Controller) AtEnd() bool {
	return c.current >= c.end
}

// Play starts playback. It returns false, leaving playback paused, when the
// position is already at the end.
func (c *Controller) Play() bool {
	if c.AtEnd() {
		return false
	}
	c.playing = true
	return true
}

// Pause stops playback at the current position.
func (c *Controller) Pause() {
	c.playing = false
}

// SetSpeed changes the playback rate.
func (c *Controller) SetSpeed(speed float64) error {
	if !(speed > 0) || speed < c.minSpeed || (c.maxSpeed > 0 && speed > c.maxSpeed) {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrInvalidSpeed, speed, c.minSpeed, c.maxSpeed)
	}
	c.speed = speed
	return nil
}

// Seek moves the position, clamped to [start, end], and returns the clamped
// time. A seek before the end re-arms the end notification.
func (c *Controller) Seek(t Time) Time {
	c.current = clampTime(t, c.start, c.end)
	if c.current < c.end {
		c.endNotified = false
	}
	return c.current
}

// Target returns where playback should be after elapsed wall time, clamped to
// the end. Elapsed time is capped so a stalled host does not jump ahead.
func (c *Controller) Target(elapsed time.Duration) Time {
	if !c.playing {
		return c.current
	}
	if c.maxTickElapsed > 0 && elapsed > c.maxTickElapsed {
		elapsed = c.maxTickElapsed
	}
	if elapsed < 0 {
		elapsed = 0
	}
	step := time.Duration(float64(elapsed) * c.speed)
	return minTime(c.current.Add(step), c.end)
}

// Commit records that playback advanced to t. It returns true exactly once
// per arrival at the end, at which point playback is paused.
func (c *Controller) Commit(t Time) (reachedEnd bool) {
	c.current = clampTime(maxTime(t, c.current), c.start, c.end)
	if c.current < c.end || c.endNotified {
		return false
	}
	c.endNotified = true
	c.playing = false
	return true
}
