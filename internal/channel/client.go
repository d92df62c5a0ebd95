// Package channel keeps one persistent connection to the server event source and
// dispatches named events to the subscribers of the process.
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/metrics"
	"github.com/vadiminshakov/cambio/internal/notify"
	"github.com/vadiminshakov/cambio/pkg/retrier"
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 3 * time.Second
	notifyTimeout            = 5 * time.Second
)

var (
	// ErrReconnectExhausted means every dial attempt failed; subscribers must rely on polling.
	ErrReconnectExhausted = errors.New("event channel gave up reconnecting")
	ErrNotConnected       = errors.New("event channel is not connected")
)

// State of the transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// notifiable is the fixed set of events that also raise a local notification.
var notifiable = map[domain.EventName]struct{}{
	domain.EventOperationStatusChanged: {},
	domain.EventOperationCompleted:     {},
	domain.EventRateUpdated:            {},
	domain.EventDocumentsApproved:      {},
	domain.EventOperationExpired:       {},
}

// Handler receives a decoded event.
type Handler func(domain.Event)

// SubscriptionID identifies one registration made with On.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	name    domain.EventName
	handler Handler
}

// Options tune reconnection and side effects.
type Options struct {
	// ReconnectAttempts bounds dial attempts per (re)connection.
	ReconnectAttempts int
	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration
	// Notifier, if set, is called for notifiable events without blocking delivery.
	Notifier notify.Notifier
}

// Client is the event channel of the process: one transport, many subscribers.
// Create one with New and share it; it is safe for concurrent use.
type Client struct {
	dialer   Dialer
	l        *zap.Logger
	attempts int
	delay    time.Duration
	notifier notify.Notifier

	mu        sync.Mutex
	state     State
	identity  string
	conn      Conn
	nextID    SubscriptionID
	live      map[domain.EventName][]subscription
	pending   []subscription // registered while not connected, in registration order
	listeners []func(State)
	lastErr   error
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a disconnected client.
func New(dialer Dialer, l *zap.Logger, opts Options) *Client {
	if opts.ReconnectAttempts < 1 {
		opts.ReconnectAttempts = defaultReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}

	return &Client{
		dialer:   dialer,
		l:        l,
		attempts: opts.ReconnectAttempts,
		delay:    opts.ReconnectDelay,
		notifier: opts.Notifier,
		live:     make(map[domain.EventName][]subscription),
	}
}

// Connect starts the transport and joins the identity room when identity is not empty.
// It returns immediately; the handshake runs in the background.
// Connecting again with the same identity is a no-op; with a different identity while
// connected it only re-issues the room join.
func (c *Client) Connect(ctx context.Context, identity string) error {
	c.mu.Lock()

	switch c.state {
	case StateConnected:
		if identity == "" || identity == c.identity {
			c.mu.Unlock()
			return nil
		}
		c.identity = identity
		conn := c.conn
		c.mu.Unlock()

		return c.join(conn, identity)
	case StateConnecting:
		// the join goes out once the handshake completes
		if identity != "" {
			c.identity = identity
		}
		c.mu.Unlock()
		return nil
	}

	if identity != "" {
		c.identity = identity
	}
	if c.done != nil {
		// previous run goroutine is finishing after exhaustion or Close
		done := c.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		if c.state != StateDisconnected {
			c.mu.Unlock()
			return nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.lastErr = nil
	listeners := c.setStateLocked(StateConnecting)
	done := c.done
	c.mu.Unlock()

	fireState(listeners, StateConnecting)
	go c.run(runCtx, done)

	return nil
}

// On subscribes handler to name. Subscriptions made before the transport is connected are
// queued and attached, in registration order, as soon as the handshake completes, before
// any event of the new connection is read.
func (c *Client) On(name domain.EventName, handler Handler) SubscriptionID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	sub := subscription{id: c.nextID, name: name, handler: handler}

	if c.state == StateConnected {
		c.live[name] = append(c.live[name], sub)
	} else {
		c.pending = append(c.pending, sub)
	}

	return sub.id
}

// Off removes the given subscriptions of name, or all of them when ids is empty.
// It works whether the subscription is live or still queued.
func (c *Client) Off(name domain.EventName, ids ...SubscriptionID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	match := func(s subscription) bool {
		if s.name != name {
			return false
		}
		if len(ids) == 0 {
			return true
		}
		for _, id := range ids {
			if s.id == id {
				return true
			}
		}
		return false
	}

	// rebuild instead of filtering in place: dispatch may hold the old slice
	if live := c.live[name]; len(live) > 0 {
		kept := make([]subscription, 0, len(live))
		for _, s := range live {
			if !match(s) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(c.live, name)
		} else {
			c.live[name] = kept
		}
	}

	kept := make([]subscription, 0, len(c.pending))
	for _, s := range c.pending {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	c.pending = kept
}

// IsConnected reports whether the transport has completed its handshake.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current transport state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns ErrReconnectExhausted (wrapping the last dial error) after the client gave up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnStateChange registers fn to be called on every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Close tears the transport down. Subscriptions survive and move back to the pending
// queue so a later Connect delivers to them again.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	first := true
	for {
		if !first {
			timer := time.NewTimer(c.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.finish(nil)
				return
			case <-timer.C:
			}
		}

		conn, err := c.dial(ctx, first)
		first = false
		if err != nil {
			if ctx.Err() != nil {
				c.finish(nil)
				return
			}
			c.l.Error("event channel unavailable, falling back to polling", zap.Error(err))
			c.finish(errors.Wrap(ErrReconnectExhausted, err.Error()))
			return
		}

		identity := c.attach(conn)
		if identity != "" {
			if err := c.join(conn, identity); err != nil {
				c.l.Warn("failed to join identity room", zap.Error(err))
			}
		}

		err = c.readLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			c.finish(nil)
			return
		}

		c.l.Warn("event channel dropped, reconnecting", zap.Error(err))
		c.detach(StateConnecting)
	}
}

func (c *Client) dial(ctx context.Context, first bool) (Conn, error) {
	r := retrier.Fixed(c.delay, c.attempts, retrier.WithOnRetry(func(attempt int, err error) {
		metrics.ChannelReconnects.Inc()
		c.l.Debug("event channel dial failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}))

	if !first {
		metrics.ChannelReconnects.Inc()
	}

	return retrier.DoWithData(r, ctx, func(ctx context.Context) (Conn, error) {
		return c.dialer.Dial(ctx)
	})
}

// attach makes conn live and drains the pending queue before anything is read from it.
func (c *Client) attach(conn Conn) string {
	c.mu.Lock()
	c.conn = conn
	for _, s := range c.pending {
		c.live[s.name] = append(c.live[s.name], s)
	}
	drained := len(c.pending)
	c.pending = nil
	identity := c.identity
	listeners := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.l.Info("event channel connected", zap.Int("attached_pending", drained))
	fireState(listeners, StateConnected)

	return identity
}

// detach drops the connection and re-queues live subscriptions, preserving their order.
func (c *Client) detach(next State) {
	c.mu.Lock()
	c.conn = nil
	requeued := make([]subscription, 0)
	for _, subs := range c.live {
		requeued = append(requeued, subs...)
	}
	sortByID(requeued)
	c.pending = append(requeued, c.pending...)
	c.live = make(map[domain.EventName][]subscription)
	listeners := c.setStateLocked(next)
	c.mu.Unlock()

	fireState(listeners, next)
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	c.lastErr = err
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.detach(StateDisconnected)
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	metrics.EventsReceived.WithLabelValues(string(msg.Event)).Inc()

	ev, err := domain.DecodeEvent(msg.Event, msg.Data)
	if err != nil {
		c.l.Warn("dropping undecodable event", zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}

	c.mu.Lock()
	subs := append([]subscription(nil), c.live[msg.Event]...)
	c.mu.Unlock()

	if _, ok := notifiable[msg.Event]; ok && c.notifier != nil {
		go c.raise(ev)
	}

	for _, s := range subs {
		c.invoke(s, ev)
	}
}

func (c *Client) invoke(s subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.l.Error("event handler panicked",
				zap.String("event", string(s.name)),
				zap.Uint64("subscription", uint64(s.id)),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

func (c *Client) raise(ev domain.Event) {
	n, ok := notify.ForEvent(ev, time.Now())
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := c.notifier.Notify(ctx, n); err != nil {
		c.l.Warn("failed to raise notification", zap.String("event", string(n.Event)), zap.Error(err))
	}
}

func (c *Client) join(conn Conn, identity string) error {
	if conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, joinEvent, joinPayload{DNI: identity}); err != nil {
		return errors.Wrap(err, "join identity room")
	}
	c.l.Debug("joined identity room")
	return nil
}

func (c *Client) write(conn Conn, name domain.EventName, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s payload", name)
	}
	return conn.WriteMessage(Message{Event: name, Data: data})
}

func (c *Client) setStateLocked(s State) []func(State) {
	if c.state == s {
		return nil
	}
	c.state = s
	metrics.ChannelState.Set(float64(s))
	return append([]func(State){}, c.listeners...)
}

func fireState(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

func sortByID(subs []subscription) {
	// insertion sort: subscriber lists are short
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j].id < subs[j-1].id; j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}
}
