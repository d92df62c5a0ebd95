// Package coordinator keeps each screen consistent with the server: it subscribes to the
// events a screen cares about and answers every push, poll tick or foreground transition
// with a full authoritative fetch.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/channel"
	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/metrics"
)

// Refetch reasons, also used as metric labels.
const (
	ReasonMount      = "mount"
	ReasonPush       = "push"
	ReasonPoll       = "poll"
	ReasonForeground = "foreground"
	ReasonExpire     = "expire"
	ReasonReconnect  = "reconnect"
)

// Channel is the part of the event channel a coordinator needs.
type Channel interface {
	On(name domain.EventName, handler channel.Handler) channel.SubscriptionID
	Off(name domain.EventName, ids ...channel.SubscriptionID)
}

// Screen is one view whose state is pulled from the server.
type Screen interface {
	Name() string
	// Events lists the event names that make the screen stale.
	Events() []domain.EventName
	// Attach hands the screen a way to ask for a refetch, e.g. when a countdown expires.
	Attach(refetch func(reason string))
	// Fetch loads the authoritative state. ctx lives as long as the screen is mounted.
	Fetch(ctx context.Context) error
	// HandleEvent applies what a push says right away and reports whether to refetch.
	HandleEvent(ev domain.Event) bool
	// Detach releases what the screen started: countdowns, subscriptions of its own.
	Detach()
}

// Coordinator drives one mounted screen. Fetches never overlap: pushes, poll ticks and
// foreground transitions are coalesced into a single pending request.
type Coordinator struct {
	screen Screen
	ch     Channel
	poll   time.Duration
	l      *zap.Logger

	mu      sync.Mutex
	subs    map[domain.EventName]channel.SubscriptionID
	trigger chan string
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a coordinator. poll is the fallback interval; zero disables polling.
func New(screen Screen, ch Channel, poll time.Duration, l *zap.Logger) *Coordinator {
	return &Coordinator{
		screen: screen,
		ch:     ch,
		poll:   poll,
		l:      l.With(zap.String("screen", screen.Name())),
	}
}

// Mount subscribes the screen's events and triggers the initial fetch. Mounting twice is a no-op.
func (c *Coordinator) Mount(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.trigger = make(chan string, 1)
	c.subs = make(map[domain.EventName]channel.SubscriptionID)

	c.screen.Attach(c.Refetch)
	for _, name := range c.screen.Events() {
		c.subs[name] = c.ch.On(name, c.handle)
	}

	c.trigger <- ReasonMount
	go c.loop(runCtx, c.trigger, c.done)

	c.l.Debug("screen mounted")
}

// Unmount unsubscribes everything and stops fetching and ticking.
func (c *Coordinator) Unmount() {
	c.mu.Lock()
	cancel, done, subs := c.cancel, c.done, c.subs
	c.cancel, c.done, c.subs, c.trigger = nil, nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}

	for name, id := range subs {
		c.ch.Off(name, id)
	}
	cancel()
	<-done
	c.screen.Detach()

	c.l.Debug("screen unmounted")
}

// Mounted reports whether the screen is mounted.
func (c *Coordinator) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Refetch asks for an authoritative fetch. It never blocks; a request already pending absorbs it.
func (c *Coordinator) Refetch(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.trigger == nil {
		return
	}
	select {
	case c.trigger <- reason:
	default:
	}
}

// Foreground is called when the app comes back to the foreground.
func (c *Coordinator) Foreground() {
	c.Refetch(ReasonForeground)
}

func (c *Coordinator) handle(ev domain.Event) {
	if c.screen.HandleEvent(ev) {
		c.Refetch(ReasonPush)
	}
}

func (c *Coordinator) loop(ctx context.Context, trigger <-chan string, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if c.poll > 0 {
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-trigger:
			c.fetch(ctx, reason)
		case <-tick:
			c.fetch(ctx, ReasonPoll)
		}
	}
}

func (c *Coordinator) fetch(ctx context.Context, reason string) {
	name := c.screen.Name()
	metrics.Refetches.WithLabelValues(name, reason).Inc()

	if err := c.screen.Fetch(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.RefetchErrors.WithLabelValues(name).Inc()
		c.l.Warn("authoritative fetch failed, keeping last known state",
			zap.String("reason", reason), zap.Error(err))
	}
}

// Group fans lifecycle calls out to several coordinators.
type Group []*Coordinator

func (g Group) Mount(ctx context.Context) {
	for _, c := range g {
		c.Mount(ctx)
	}
}

func (g Group) Unmount() {
	for _, c := range g {
		c.Unmount()
	}
}

func (g Group) Foreground() {
	for _, c := range g {
		c.Foreground()
	}
}

func (g Group) Refetch(reason string) {
	for _, c := range g {
		c.Refetch(reason)
	}
}
