package coordinator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/channel"
	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/lifecycle"
)

const (
	dni        = "12345678"
	window     = 15 * time.Minute
	waitFor    = 2 * time.Second
	pollPeriod = 5 * time.Millisecond
)

type mockBackend struct {
	mock.Mock

	countMu sync.Mutex
	counts  map[string]int
}

func (m *mockBackend) record(method string) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[method]++
}

func (m *mockBackend) FetchOperations(ctx context.Context, dni string) ([]domain.Operation, error) {
	defer m.record("FetchOperations")
	args := m.Called(ctx, dni)
	ops, _ := args.Get(0).([]domain.Operation)
	return ops, args.Error(1)
}

func (m *mockBackend) CancelExpired(ctx context.Context, operationID int64) error {
	defer m.record("CancelExpired")
	args := m.Called(ctx, operationID)
	return args.Error(0)
}

func (m *mockBackend) FetchRates(ctx context.Context) (domain.Rates, error) {
	defer m.record("FetchRates")
	args := m.Called(ctx)
	rates, _ := args.Get(0).(domain.Rates)
	return rates, args.Error(1)
}

// callCount counts finished calls of method.
func callCount(m *mockBackend, method string) func() int {
	return func() int {
		m.countMu.Lock()
		defer m.countMu.Unlock()
		return m.counts[method]
	}
}

type fakeChannel struct {
	mu       sync.Mutex
	next     channel.SubscriptionID
	handlers map[domain.EventName]map[channel.SubscriptionID]channel.Handler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[domain.EventName]map[channel.SubscriptionID]channel.Handler)}
}

func (f *fakeChannel) On(name domain.EventName, h channel.Handler) channel.SubscriptionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.handlers[name] == nil {
		f.handlers[name] = make(map[channel.SubscriptionID]channel.Handler)
	}
	f.handlers[name][f.next] = h
	return f.next
}

func (f *fakeChannel) Off(name domain.EventName, ids ...channel.SubscriptionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(ids) == 0 {
		delete(f.handlers, name)
		return
	}
	for _, id := range ids {
		delete(f.handlers[name], id)
	}
}

func (f *fakeChannel) emit(ev domain.Event) {
	f.mu.Lock()
	ids := make([]channel.SubscriptionID, 0)
	for id := range f.handlers[ev.EventName()] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]channel.Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, f.handlers[ev.EventName()][id])
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeChannel) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func operation(id int64, status domain.Status, age time.Duration) domain.Operation {
	created := time.Now().Add(-age)
	return domain.Operation{
		ID:           id,
		Code:         "OP-0000" + string(rune('0'+id)),
		Type:         domain.OperationCompra,
		AmountUSD:    decimal.NewFromInt(100),
		AmountPEN:    decimal.NewFromInt(375),
		ExchangeRate: decimal.RequireFromString("3.75"),
		Status:       status,
		ClientDNI:    dni,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

type fixture struct {
	backend *mockBackend
	ch      *fakeChannel
	tracker *lifecycle.Tracker
	expirer *Expirer
}

func newFixture() *fixture {
	backend := &mockBackend{}
	tracker := lifecycle.NewTracker(zap.NewNop())
	return &fixture{
		backend: backend,
		ch:      newFakeChannel(),
		tracker: tracker,
		expirer: NewExpirer(backend, tracker, window, zap.NewNop()),
	}
}

func (f *fixture) status(t *testing.T, id int64) domain.Status {
	t.Helper()
	op, ok := f.tracker.Get(id)
	require.True(t, ok)
	return op.Status
}

func TestMountFetchesAndSubscribes(t *testing.T) {
	f := newFixture()
	f.backend.On("FetchOperations", mock.Anything, dni).
		Return([]domain.Operation{operation(1, domain.StatusPending, time.Minute)}, nil)

	screen := NewOperationsScreen(f.backend, f.tracker, f.expirer, dni, time.Hour, zap.NewNop())
	c := New(screen, f.ch, 0, zap.NewNop())

	c.Mount(context.Background())
	c.Mount(context.Background())

	require.Eventually(t, func() bool { _, ok := f.tracker.Get(1); return ok }, waitFor, time.Millisecond)
	assert.True(t, c.Mounted())
	assert.Equal(t, len(domain.OperationEvents), f.ch.subscriptions())
	require.Eventually(t, func() bool { _, ok := screen.Remaining(1); return ok }, waitFor, time.Millisecond)

	r, _ := screen.Remaining(1)
	assert.False(t, r.Expired)
	assert.Equal(t, int64(13), r.Minutes)

	c.Unmount()
	assert.False(t, c.Mounted())
	assert.Equal(t, 0, f.ch.subscriptions())
	assert.Equal(t, 0, screen.countdowns.active())
	assert.Equal(t, 1, callCount(f.backend, "FetchOperations")())

	// late requests after unmount are dropped
	c.Refetch(ReasonPush)
	c.Unmount()
}

func TestPushAppliesStatusThenRefetches(t *testing.T) {
	f := newFixture()
	inProgress := operation(1, domain.StatusInProgress, time.Minute)
	expired := inProgress
	expired.Status = domain.StatusExpired

	f.backend.On("FetchOperations", mock.Anything, dni).Return([]domain.Operation{inProgress}, nil).Once()
	f.backend.On("FetchOperations", mock.Anything, dni).Return([]domain.Operation{expired}, nil)

	screen := NewOperationsScreen(f.backend, f.tracker, f.expirer, dni, time.Hour, zap.NewNop())
	c := New(screen, f.ch, 0, zap.NewNop())
	c.Mount(context.Background())
	defer c.Unmount()

	require.Eventually(t, func() bool { _, ok := f.tracker.Get(1); return ok }, waitFor, time.Millisecond)
	assert.Equal(t, domain.StatusInProgress, f.status(t, 1))

	f.ch.emit(domain.OperationExpired{OperationRef: domain.OperationRef{OperationID: 1}})

	// applied before the refetch returns
	assert.Equal(t, domain.StatusExpired, f.status(t, 1))
	require.Eventually(t, func() bool { return callCount(f.backend, "FetchOperations")() == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, domain.StatusExpired, f.status(t, 1))
}

func TestFetchedStateWinsOverOptimisticState(t *testing.T) {
	f := newFixture()
	pending := operation(1, domain.StatusPending, time.Minute)
	cancelled := pending
	cancelled.Status = domain.StatusCancelled

	f.backend.On("FetchOperations", mock.Anything, dni).Return([]domain.Operation{pending}, nil).Once()
	f.backend.On("FetchOperations", mock.Anything, dni).Return([]domain.Operation{cancelled}, nil)

	screen := NewOperationsScreen(f.backend, f.tracker, f.expirer, dni, time.Hour, zap.NewNop())
	c := New(screen, f.ch, 0, zap.NewNop())
	c.Mount(context.Background())
	defer c.Unmount()

	require.Eventually(t, func() bool { _, ok := f.tracker.Get(1); return ok }, waitFor, time.Millisecond)
	require.NoError(t, f.tracker.MarkSubmitted(1, time.Now(), window))

	c.Foreground()

	require.Eventually(t, func() bool {
		op, _ := f.tracker.Get(1)
		return op.Status == domain.StatusCancelled
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return screen.countdowns.active() == 0 }, waitFor, time.Millisecond)
}

func TestPollingRefetches(t *testing.T) {
	f := newFixture()
	f.backend.On("FetchOperations", mock.Anything, dni).Return([]domain.Operation{}, nil)

	screen := NewOperationsScreen(f.backend, f.tracker, f.expirer, dni, time.Hour, zap.NewNop())
	c := New(screen, f.ch, pollPeriod, zap.NewNop())
	c.Mount(context.Background())
	defer c.Unmount()

	require.Eventually(t, func() bool { return callCount(f.backend, "FetchOperations")() >= 3 }, waitFor, time.Millisecond)
}

func TestFetchErrorKeepsLastKnownState(t *testing.T) {
	f := newFixture()
	f.backend.On("FetchOperations", mock.Anything, dni).
		Return([]domain.Operation{operation(1, domain.StatusInProgress, time.Minute)}, nil).Once()
	f.backend.On("FetchOperations", mock.Anything, dni).Return(nil, errors.New("503"))

	screen := NewOperationsScreen(f.backend, f.tracker, f.expirer, dni, time.Hour, zap.NewNop())
	c := New(screen, f.ch, 0, zap.NewNop())
	c.Mount(context.Background())
	defer c.Unmount()

	require.Eventually(t, func() bool { _, ok := f.tracker.Get(1); return ok }, waitFor, time.Millisecond)

	c.Foreground()
	require.Eventually(t, func() bool { return callCount(f.backend, "FetchOperations")() == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, domain.StatusInProgress, f.status(t, 1))
	assert.Len(t, screen.Operations(), 1)
}

func TestExpirationCancelsOnceAcrossScreens(t *testing.T) {
	f := newFixture()
	// the server lags behind and keeps answering Pendiente
	overdue := operation(1, domain.StatusPending, window+time.Second)
	f.backend.On("FetchOperations", mock.Anything, dni).Return([]domain.Operation{overdue}, nil)
	f.backend.On("CancelExpired", mock.Anything, int64(1)).Return(nil)

	list := New(NewOperationsScreen(f.backend, f.tracker, f.expirer, dni, time.Millisecond, zap.NewNop()), f.ch, pollPeriod, zap.NewNop())
	detail := New(NewOperationScreen(f.backend, f.tracker, f.expirer, dni, 1, time.Millisecond, zap.NewNop()), f.ch, pollPeriod, zap.NewNop())

	group := Group{list, detail}
	group.Mount(context.Background())
	defer group.Unmount()

	require.Eventually(t, func() bool { return callCount(f.backend, "CancelExpired")() == 1 }, waitFor, time.Millisecond)
	// many more ticks and polls happen, none of them fires again
	require.Eventually(t, func() bool { return callCount(f.backend, "FetchOperations")() >= 6 }, waitFor, time.Millisecond)

	// the push arriving after the local expiration is not a second cancel
	f.ch.emit(domain.OperationExpired{OperationRef: domain.OperationRef{OperationID: 1}})
	assert.Never(t, func() bool { return callCount(f.backend, "CancelExpired")() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestServerExpirationBeforeLocalTimer(t *testing.T) {
	f := newFixture()
	pending := operation(1, domain.StatusPending, time.Minute)
	expired := pending
	expired.Status = domain.StatusExpired
	f.backend.On("FetchOperations", mock.Anything, dni).Return([]domain.Operation{pending}, nil).Once()
	f.backend.On("FetchOperations", mock.Anything, dni).Return([]domain.Operation{expired}, nil)

	screen := NewOperationScreen(f.backend, f.tracker, f.expirer, dni, 1, time.Hour, zap.NewNop())
	c := New(screen, f.ch, 0, zap.NewNop())
	c.Mount(context.Background())
	defer c.Unmount()

	require.Eventually(t, func() bool { return screen.countdowns.active() == 1 }, waitFor, time.Millisecond)

	f.ch.emit(domain.OperationExpired{OperationRef: domain.OperationRef{OperationCode: "OP-00001"}})
	assert.Equal(t, domain.StatusExpired, f.status(t, 1))

	// a timer firing late sees the terminal status and stays quiet
	f.expirer.expire(context.Background(), 1)
	f.backend.AssertNotCalled(t, "CancelExpired", mock.Anything, mock.Anything)
	assert.Equal(t, domain.StatusExpired, f.status(t, 1))

	view, ok := screen.View()
	require.True(t, ok)
	assert.False(t, view.Counting)
}

func TestTerminalPushStopsCountdownsOnEveryScreen(t *testing.T) {
	ref := domain.OperationRef{OperationID: 1}
	tests := []struct {
		name string
		ev   domain.Event
	}{
		{name: "cancelled", ev: domain.OperationCancelled{OperationRef: ref}},
		{name: "completed", ev: domain.OperationCompleted{OperationRef: ref}},
		{name: "expired by code", ev: domain.OperationExpired{OperationRef: domain.OperationRef{OperationCode: "OP-00001"}}},
		{name: "status changed", ev: domain.OperationStatusChanged{OperationRef: ref, Status: domain.StatusCancelled}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.backend.On("FetchOperations", mock.Anything, dni).
				Return([]domain.Operation{operation(1, domain.StatusPending, time.Minute)}, nil).Twice()
			// the refetch after the push fails, only the push can stop the countdowns
			f.backend.On("FetchOperations", mock.Anything, dni).Return(nil, errors.New("503"))

			listScreen := NewOperationsScreen(f.backend, f.tracker, f.expirer, dni, time.Hour, zap.NewNop())
			detailScreen := NewOperationScreen(f.backend, f.tracker, f.expirer, dni, 1, time.Hour, zap.NewNop())
			list := New(listScreen, f.ch, 0, zap.NewNop())
			detail := New(detailScreen, f.ch, 0, zap.NewNop())

			list.Mount(context.Background())
			require.Eventually(t, func() bool { return listScreen.countdowns.active() == 1 }, waitFor, time.Millisecond)
			detail.Mount(context.Background())
			require.Eventually(t, func() bool { return detailScreen.countdowns.active() == 1 }, waitFor, time.Millisecond)
			defer Group{list, detail}.Unmount()

			f.ch.emit(tt.ev)

			assert.True(t, f.status(t, 1).IsTerminal())
			assert.Equal(t, 0, listScreen.countdowns.active())
			assert.Equal(t, 0, detailScreen.countdowns.active())
			_, counting := listScreen.Remaining(1)
			assert.False(t, counting)
		})
	}
}

func TestDetailScreenFiltersEvents(t *testing.T) {
	f := newFixture()
	f.tracker.Replace([]domain.Operation{operation(1, domain.StatusPending, time.Minute), operation(2, domain.StatusPending, time.Minute)})

	screen := NewOperationScreen(f.backend, f.tracker, f.expirer, dni, 1, time.Hour, zap.NewNop())

	assert.False(t, screen.HandleEvent(domain.OperationCompleted{OperationRef: domain.OperationRef{OperationID: 2}}))
	assert.Equal(t, domain.StatusPending, f.status(t, 2))

	assert.True(t, screen.HandleEvent(domain.OperationStatusChanged{
		OperationRef: domain.OperationRef{OperationCode: "OP-00001"},
		Status:       domain.StatusInProgress,
	}))
	assert.Equal(t, domain.StatusInProgress, f.status(t, 1))

	assert.False(t, screen.HandleEvent(domain.RateUpdated{}))
}

func TestDetailScreenUnknownOperation(t *testing.T) {
	f := newFixture()
	f.backend.On("FetchOperations", mock.Anything, dni).Return([]domain.Operation{}, nil)

	screen := NewOperationScreen(f.backend, f.tracker, f.expirer, dni, 42, time.Second, zap.NewNop())
	err := screen.Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrOperationNotFound))
}

func TestRatesScreen(t *testing.T) {
	f := newFixture()
	fetched := domain.Rates{Compra: decimal.RequireFromString("3.70"), Venta: decimal.RequireFromString("3.75")}
	f.backend.On("FetchRates", mock.Anything).Return(fetched, nil)

	screen := NewRatesScreen(f.backend, zap.NewNop())
	c := New(screen, f.ch, 0, zap.NewNop())
	c.Mount(context.Background())
	defer c.Unmount()

	require.Eventually(t, func() bool { _, ok := screen.Rates(); return ok }, waitFor, time.Millisecond)

	updates := screen.Updates().Subscribe()
	defer screen.Updates().Unsubscribe(updates)
	<-updates

	pushed := domain.RateUpdated{Compra: decimal.RequireFromString("3.71"), Venta: decimal.RequireFromString("3.76")}
	f.ch.emit(pushed)

	select {
	case got := <-updates:
		assert.True(t, got.Venta.Equal(pushed.Venta))
	case <-time.After(waitFor):
		t.Fatal("pushed rates not shown")
	}
	require.Eventually(t, func() bool { return callCount(f.backend, "FetchRates")() == 2 }, waitFor, time.Millisecond)
}
