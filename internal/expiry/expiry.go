// Package expiry computes how long a pending operation has left and fires its expiration once.
package expiry

import (
	"context"
	"sync"
	"time"
)

const millisPerMinute = 60_000

// Remaining is the countdown state shown to the user.
type Remaining struct {
	Expired bool
	Minutes int64
	Seconds int64
}

// Compute returns the remaining time of a window that opened at createdAt and lasts timeout.
// Negative remaining is clamped to zero; the window is expired once remaining reaches zero.
func Compute(createdAt time.Time, timeout time.Duration, now time.Time) Remaining {
	remaining := createdAt.Add(timeout).Sub(now).Milliseconds()
	if remaining <= 0 {
		return Remaining{Expired: true}
	}

	return Remaining{
		Minutes: remaining / millisPerMinute,
		Seconds: (remaining % millisPerMinute) / 1000,
	}
}

// Guard remembers which operations already fired their expiration.
// Once an id is marked it stays marked for the life of the guard.
type Guard struct {
	mu    sync.Mutex
	fired map[int64]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{fired: make(map[int64]struct{})}
}

// Fire returns true only for the first call with a given id.
func (g *Guard) Fire(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.fired[id]; ok {
		return false
	}
	g.fired[id] = struct{}{}
	return true
}

// Countdown ticks the remaining time of one operation until it expires or is stopped.
type Countdown struct {
	id        int64
	createdAt time.Time
	timeout   time.Duration
	tick      time.Duration
	guard     *Guard
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCountdown prepares a countdown; nothing ticks until Start.
// The guard is shared by every countdown of a process so a re-created countdown never fires twice.
func NewCountdown(id int64, createdAt time.Time, timeout, tick time.Duration, guard *Guard) *Countdown {
	if guard == nil {
		guard = NewGuard()
	}
	return &Countdown{
		id:        id,
		createdAt: createdAt,
		timeout:   timeout,
		tick:      tick,
		guard:     guard,
		now:       time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (c *Countdown) WithClock(now func() time.Time) *Countdown {
	c.now = now
	return c
}

// Start begins ticking. onTick runs on every tick with the current state; onExpire runs
// at most once per operation id, on the first tick that observes expiration.
// Ticking stops after expiration, on Stop, or when ctx is done.
func (c *Countdown) Start(ctx context.Context, onTick func(Remaining), onExpire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx, onTick, onExpire)
}

func (c *Countdown) run(ctx context.Context, onTick func(Remaining), onExpire func()) {
	defer close(c.done)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		if c.evaluate(onTick, onExpire) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// evaluate runs one tick and returns true when the countdown is over.
func (c *Countdown) evaluate(onTick func(Remaining), onExpire func()) bool {
	r := Compute(c.createdAt, c.timeout, c.now())
	if onTick != nil {
		onTick(r)
	}
	if !r.Expired {
		return false
	}
	if c.guard.Fire(c.id) && onExpire != nil {
		onExpire()
	}
	return true
}

// Stop cancels ticking and waits for the ticking goroutine to exit. Safe to call repeatedly.
func (c *Countdown) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ID returns the operation id the countdown belongs to.
func (c *Countdown) ID() int64 { return c.id }
