package alert

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// firedBuffer bounds the fired-event queue. Fires arrive at human pace, so
// a small buffer only matters when nothing is draining the channel.
const firedBuffer = 16

// TimerChannel is the local delivery channel implementation, backed by
// process timers. Arming the same key again replaces the pending timer.
type TimerChannel struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fired  chan FiredEvent
	closed bool
	logger *zap.Logger
}

// NewTimerChannel creates a timer-backed delivery channel.
func NewTimerChannel(logger *zap.Logger) *TimerChannel {
	return &TimerChannel{
		timers: make(map[string]*time.Timer),
		fired:  make(chan FiredEvent, firedBuffer),
		logger: logger,
	}
}

// Arm registers an alert for the given instant. An instant already in the
// past fires immediately.
func (c *TimerChannel) Arm(key string, at time.Time, payload Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	if old, ok := c.timers[key]; ok {
		old.Stop()
	}

	c.timers[key] = time.AfterFunc(time.Until(at), func() {
		c.fire(key, payload)
	})

	return nil
}

// Cancel removes a single pending alert. Unknown keys are a no-op.
func (c *TimerChannel) Cancel(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
}

// CancelAll removes every pending alert that exists at call time. An alert
// mid-fire may still slip through; callers treat that as any other fire.
func (c *TimerChannel) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
}

// Fired returns the channel fired alerts are emitted on.
func (c *TimerChannel) Fired() <-chan FiredEvent {
	return c.fired
}

// Close stops all timers. The fired channel is left open; pending sends
// simply stop arriving.
func (c *TimerChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
}

func (c *TimerChannel) fire(key string, payload Payload) {
	c.mu.Lock()
	delete(c.timers, key)
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}

	ev := FiredEvent{Key: key, Payload: payload, FiredAt: time.Now()}

	select {
	case c.fired <- ev:
	default:
		c.logger.Warn("Fired event dropped, queue full",
			zap.String("key", key),
			zap.String("item", payload.Name),
		)
	}
}
