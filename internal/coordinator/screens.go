package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/events"
	"github.com/vadiminshakov/cambio/internal/expiry"
	"github.com/vadiminshakov/cambio/internal/lifecycle"
)

// OperationsFetcher is the authoritative read of the client's operations.
type OperationsFetcher interface {
	FetchOperations(ctx context.Context, dni string) ([]domain.Operation, error)
}

// RatesFetcher is the authoritative read of the published rates.
type RatesFetcher interface {
	FetchRates(ctx context.Context) (domain.Rates, error)
}

// operationScreen holds what the list and detail screens share.
type operationScreen struct {
	backend OperationsFetcher
	tracker *lifecycle.Tracker
	dni     string
	clock   func() time.Time
	l       *zap.Logger

	countdowns *countdowns

	mu      sync.Mutex
	refetch func(string)
}

func (s *operationScreen) Attach(refetch func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refetch = refetch
}

func (s *operationScreen) Detach() {
	s.countdowns.stopAll()

	s.mu.Lock()
	s.refetch = nil
	s.mu.Unlock()
}

func (s *operationScreen) requestRefetch(reason string) {
	s.mu.Lock()
	refetch := s.refetch
	s.mu.Unlock()

	if refetch != nil {
		refetch(reason)
	}
}

// load fetches every operation of the client and makes it the mirror's content.
func (s *operationScreen) load(ctx context.Context) ([]domain.Operation, error) {
	ops, err := s.backend.FetchOperations(ctx, s.dni)
	if err != nil {
		return nil, err
	}
	s.tracker.Replace(ops)
	return ops, nil
}

// apply writes the status a push declares, before the refetch confirms it.
func (s *operationScreen) apply(ev domain.OperationEvent) {
	if _, err := s.tracker.ApplyEvent(ev, s.clock()); err != nil {
		s.l.Warn("ignoring pushed status", zap.String("event", string(ev.EventName())), zap.Error(err))
		return
	}

	// the tracker is shared, so another screen may have applied this push already
	status, _ := ev.AuthoritativeStatus()
	if status.IsTerminal() {
		ref := ev.Ref()
		id := ref.OperationID
		if id == 0 {
			if op, ok := s.tracker.GetByCode(ref.OperationCode); ok {
				id = op.ID
			}
		}
		s.countdowns.stop(id)
	}
}

// OperationsScreen is the list of the client's operations with coarse countdowns.
type OperationsScreen struct {
	operationScreen
}

// NewOperationsScreen creates the list screen; tick is the countdown granularity.
func NewOperationsScreen(backend OperationsFetcher, tracker *lifecycle.Tracker, expirer *Expirer, dni string, tick time.Duration, l *zap.Logger) *OperationsScreen {
	return &OperationsScreen{operationScreen{
		backend:    backend,
		tracker:    tracker,
		dni:        dni,
		clock:      time.Now,
		l:          l,
		countdowns: newCountdowns(expirer, tick),
	}}
}

func (s *OperationsScreen) Name() string { return "operations" }

func (s *OperationsScreen) Events() []domain.EventName {
	return domain.OperationEvents
}

func (s *OperationsScreen) Fetch(ctx context.Context) error {
	ops, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.countdowns.track(ctx, ops, s.requestRefetch)
	return nil
}

func (s *OperationsScreen) HandleEvent(ev domain.Event) bool {
	if oe, ok := ev.(domain.OperationEvent); ok {
		s.apply(oe)
	}
	return true
}

// Operations returns the mirrored operations, newest first.
func (s *OperationsScreen) Operations() []domain.Operation {
	return s.tracker.List()
}

// Remaining returns the last countdown value of a pending operation.
func (s *OperationsScreen) Remaining(id int64) (expiry.Remaining, bool) {
	return s.countdowns.get(id)
}

// DetailView is what the detail screen shows on every tick.
type DetailView struct {
	Operation domain.Operation
	Remaining expiry.Remaining
	// Counting is false once the operation left Pendiente.
	Counting bool
}

// OperationScreen is the detail of one operation with a one-second countdown.
type OperationScreen struct {
	operationScreen

	id      int64
	updates *events.Broadcaster[DetailView]
}

// NewOperationScreen creates the detail screen for the operation with the given id.
func NewOperationScreen(backend OperationsFetcher, tracker *lifecycle.Tracker, expirer *Expirer, dni string, id int64, tick time.Duration, l *zap.Logger) *OperationScreen {
	s := &OperationScreen{
		operationScreen: operationScreen{
			backend:    backend,
			tracker:    tracker,
			dni:        dni,
			clock:      time.Now,
			l:          l.With(zap.Int64("operation_id", id)),
			countdowns: newCountdowns(expirer, tick),
		},
		id:      id,
		updates: events.NewBroadcaster[DetailView](8),
	}
	s.countdowns.onTick = func(_ int64, r expiry.Remaining) { s.publish(r, true) }
	return s
}

var ErrOperationNotFound = errors.New("operation not found for this client")

func (s *OperationScreen) Name() string { return "operation_detail" }

func (s *OperationScreen) Events() []domain.EventName {
	return domain.OperationEvents
}

func (s *OperationScreen) Fetch(ctx context.Context) error {
	ops, err := s.load(ctx)
	if err != nil {
		return err
	}

	var shown []domain.Operation
	for _, op := range ops {
		if op.ID == s.id {
			shown = append(shown, op)
		}
	}
	s.countdowns.track(ctx, shown, s.requestRefetch)

	if len(shown) == 0 {
		return errors.Wrapf(ErrOperationNotFound, "id %d", s.id)
	}
	if shown[0].Status != domain.StatusPending {
		s.publish(expiry.Remaining{}, false)
	}
	return nil
}

// HandleEvent only reacts to pushes about the shown operation, or pushes that name none.
func (s *OperationScreen) HandleEvent(ev domain.Event) bool {
	oe, ok := ev.(domain.OperationEvent)
	if !ok {
		return false
	}
	ref := oe.Ref()
	if !s.concerns(ref) {
		return false
	}
	s.apply(oe)
	if op, ok := s.tracker.Get(s.id); ok && op.Status != domain.StatusPending {
		s.publish(expiry.Remaining{}, false)
	}
	return true
}

// View returns the current state of the shown operation.
func (s *OperationScreen) View() (DetailView, bool) {
	op, ok := s.tracker.Get(s.id)
	if !ok {
		return DetailView{}, false
	}
	r, counting := s.countdowns.get(s.id)
	return DetailView{Operation: op, Remaining: r, Counting: counting && op.Status == domain.StatusPending}, true
}

// Updates streams the view on every countdown tick and status change.
func (s *OperationScreen) Updates() *events.Broadcaster[DetailView] { return s.updates }

func (s *OperationScreen) concerns(ref domain.OperationRef) bool {
	if ref.OperationID == 0 && ref.OperationCode == "" {
		return true
	}
	if ref.OperationID == s.id {
		return true
	}
	if ref.OperationCode != "" {
		if op, ok := s.tracker.Get(s.id); ok && op.Code == ref.OperationCode {
			return true
		}
	}
	return false
}

func (s *OperationScreen) publish(r expiry.Remaining, counting bool) {
	op, ok := s.tracker.Get(s.id)
	if !ok {
		return
	}
	s.updates.Publish(DetailView{Operation: op, Remaining: r, Counting: counting && op.Status == domain.StatusPending})
}

// RatesScreen shows the buy and sell rates.
type RatesScreen struct {
	backend RatesFetcher
	updates *events.Broadcaster[domain.Rates]
	l       *zap.Logger
}

func NewRatesScreen(backend RatesFetcher, l *zap.Logger) *RatesScreen {
	return &RatesScreen{
		backend: backend,
		updates: events.NewBroadcaster[domain.Rates](4),
		l:       l,
	}
}

func (s *RatesScreen) Name() string { return "rates" }

func (s *RatesScreen) Events() []domain.EventName {
	return []domain.EventName{domain.EventRateUpdated}
}

func (s *RatesScreen) Attach(func(string)) {}

func (s *RatesScreen) Detach() {}

func (s *RatesScreen) Fetch(ctx context.Context) error {
	rates, err := s.backend.FetchRates(ctx)
	if err != nil {
		return err
	}
	s.updates.Publish(rates)
	return nil
}

// HandleEvent shows the pushed rates at once; the refetch confirms them.
func (s *RatesScreen) HandleEvent(ev domain.Event) bool {
	e, ok := ev.(domain.RateUpdated)
	if !ok {
		return false
	}
	if e.Compra.IsPositive() && e.Venta.IsPositive() {
		s.updates.Publish(domain.Rates{Compra: e.Compra, Venta: e.Venta})
	}
	return true
}

// Rates returns the last known rates.
func (s *RatesScreen) Rates() (domain.Rates, bool) {
	return s.updates.Last()
}

// Updates streams every rate change.
func (s *RatesScreen) Updates() *events.Broadcaster[domain.Rates] { return s.updates }
