package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/expiry"
	"github.com/vadiminshakov/cambio/internal/lifecycle"
)

// ExpiredCanceller is the idempotent backend call made when the local window runs out.
type ExpiredCanceller interface {
	CancelExpired(ctx context.Context, operationID int64) error
}

// Expirer owns the single expiration window of the process and the fire-once guard
// shared by every countdown, whichever screen runs it.
type Expirer struct {
	backend ExpiredCanceller
	tracker *lifecycle.Tracker
	guard   *expiry.Guard
	timeout time.Duration
	now     func() time.Time
	l       *zap.Logger
}

func NewExpirer(backend ExpiredCanceller, tracker *lifecycle.Tracker, timeout time.Duration, l *zap.Logger) *Expirer {
	return &Expirer{
		backend: backend,
		tracker: tracker,
		guard:   expiry.NewGuard(),
		timeout: timeout,
		now:     time.Now,
		l:       l,
	}
}

// Timeout is the expiration window.
func (e *Expirer) Timeout() time.Duration { return e.timeout }

// Remaining computes the time left for op right now.
func (e *Expirer) Remaining(op domain.Operation) expiry.Remaining {
	return expiry.Compute(op.CreatedAt, e.timeout, e.now())
}

func (e *Expirer) countdown(op domain.Operation, tick time.Duration) *expiry.Countdown {
	return expiry.NewCountdown(op.ID, op.CreatedAt, e.timeout, tick, e.guard).WithClock(e.now)
}

// expire moves the operation to Expirada locally and tells the backend. If the mirror
// already holds a terminal status, from a push or a fetch, the backend is left alone.
func (e *Expirer) expire(ctx context.Context, id int64) {
	op, ok := e.tracker.Get(id)
	if ok && op.Status != domain.StatusPending {
		e.l.Debug("operation already closed, skipping cancel-expired",
			zap.Int64("operation_id", id), zap.String("status", string(op.Status)))
		return
	}

	if _, err := e.tracker.Expire(id, e.now(), e.timeout); err != nil {
		e.l.Warn("local expiration not applied", zap.Int64("operation_id", id), zap.Error(err))
	}

	if err := e.backend.CancelExpired(ctx, id); err != nil {
		// the server expires it on its own; the next fetch converges
		e.l.Warn("cancel-expired call failed", zap.Int64("operation_id", id), zap.Error(err))
		return
	}
	e.l.Info("expired operation cancelled", zap.Int64("operation_id", id), zap.String("operation_code", op.Code))
}

// countdowns runs one countdown per pending operation shown by a screen.
type countdowns struct {
	expirer *Expirer
	tick    time.Duration

	mu        sync.Mutex
	running   map[int64]*expiry.Countdown
	remaining map[int64]expiry.Remaining
	onTick    func(id int64, r expiry.Remaining)
}

func newCountdowns(expirer *Expirer, tick time.Duration) *countdowns {
	return &countdowns{
		expirer:   expirer,
		tick:      tick,
		running:   make(map[int64]*expiry.Countdown),
		remaining: make(map[int64]expiry.Remaining),
	}
}

// track starts countdowns for pending operations and stops those whose operation
// left Pendiente or is no longer shown.
func (c *countdowns) track(ctx context.Context, ops []domain.Operation, refetch func(string)) {
	pending := make(map[int64]domain.Operation, len(ops))
	for _, op := range ops {
		if op.Status == domain.StatusPending {
			pending[op.ID] = op
		}
	}

	c.mu.Lock()
	var stop []*expiry.Countdown
	for id, cd := range c.running {
		if _, ok := pending[id]; !ok {
			stop = append(stop, cd)
			delete(c.running, id)
			delete(c.remaining, id)
		}
	}
	var start []*expiry.Countdown
	for id, op := range pending {
		if _, ok := c.running[id]; ok {
			continue
		}
		cd := c.expirer.countdown(op, c.tick)
		c.running[id] = cd
		start = append(start, cd)
	}
	c.mu.Unlock()

	for _, cd := range stop {
		cd.Stop()
	}
	for _, cd := range start {
		id := cd.ID()
		cd.Start(ctx,
			func(r expiry.Remaining) { c.set(id, r) },
			func() {
				c.expirer.expire(ctx, id)
				if refetch != nil {
					refetch(ReasonExpire)
				}
			})
	}
}

// stop halts the countdown of one operation, e.g. when a push closed it.
// It does not wait: the countdown may be inside its expiration call.
func (c *countdowns) stop(id int64) {
	c.mu.Lock()
	cd, ok := c.running[id]
	delete(c.running, id)
	delete(c.remaining, id)
	c.mu.Unlock()

	if ok {
		go cd.Stop()
	}
}

func (c *countdowns) stopAll() {
	c.mu.Lock()
	running := c.running
	c.running = make(map[int64]*expiry.Countdown)
	c.remaining = make(map[int64]expiry.Remaining)
	c.mu.Unlock()

	for _, cd := range running {
		cd.Stop()
	}
}

func (c *countdowns) set(id int64, r expiry.Remaining) {
	c.mu.Lock()
	if _, ok := c.running[id]; ok {
		c.remaining[id] = r
	}
	onTick := c.onTick
	c.mu.Unlock()

	if onTick != nil {
		onTick(id, r)
	}
}

func (c *countdowns) get(id int64) (expiry.Remaining, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remaining[id]
	return r, ok
}

func (c *countdowns) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}
