package lifecycle

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
)

const timeout = 15 * time.Minute

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func pendingOp(id int64, code string) domain.Operation {
	return domain.Operation{
		ID:           id,
		Code:         code,
		Type:         domain.OperationCompra,
		AmountUSD:    decimal.NewFromInt(100),
		AmountPEN:    decimal.RequireFromString("375.00"),
		ExchangeRate: decimal.RequireFromString("3.75"),
		Status:       domain.StatusPending,
		ClientDNI:    "12345678",
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func newTracker(ops ...domain.Operation) *Tracker {
	tr := NewTracker(zap.NewNop())
	tr.Replace(ops)
	return tr
}

func status(t *testing.T, tr *Tracker, id int64) domain.Status {
	t.Helper()
	op, ok := tr.Get(id)
	require.True(t, ok)
	return op.Status
}

func TestServerPushOverridesLocalStatus(t *testing.T) {
	tr := newTracker(pendingOp(1, "OP-00001"))

	require.NoError(t, tr.MarkSubmitted(1, t0.Add(5*time.Minute), timeout))
	assert.Equal(t, domain.StatusInProgress, status(t, tr, 1))

	changed, err := tr.ApplyEvent(domain.OperationExpired{
		OperationRef: domain.OperationRef{OperationID: 1},
	}, t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusExpired, status(t, tr, 1))
}

func TestApplyServerStatusByCode(t *testing.T) {
	tr := newTracker(pendingOp(1, "OP-00001"))

	changed, err := tr.ApplyServerStatus(domain.OperationRef{OperationCode: "OP-00001"}, domain.StatusCancelled, t0)
	require.NoError(t, err)
	assert.True(t, changed)

	op, ok := tr.GetByCode("OP-00001")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, op.Status)

	// terminal states are final locally, but the server may still correct them
	changed, err = tr.ApplyServerStatus(domain.OperationRef{OperationID: 1}, domain.StatusCompleted, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	op, _ = tr.Get(1)
	assert.Equal(t, domain.StatusCompleted, op.Status)
	require.NotNil(t, op.CompletedAt)
	assert.Equal(t, t0.Add(time.Hour), *op.CompletedAt)
}

func TestApplyServerStatusUnknownOperation(t *testing.T) {
	tr := newTracker()

	changed, err := tr.ApplyServerStatus(domain.OperationRef{OperationID: 99}, domain.StatusCompleted, t0)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = tr.ApplyServerStatus(domain.OperationRef{OperationID: 99}, "Borrada", t0)
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))
}

func TestApplyEventCompletedUsesEventTimestamp(t *testing.T) {
	op := pendingOp(1, "OP-00001")
	op.Status = domain.StatusInProgress
	tr := newTracker(op)

	completedAt := t0.Add(2 * time.Hour)
	_, err := tr.ApplyEvent(domain.OperationCompleted{
		OperationRef: domain.OperationRef{OperationID: 1},
		CompletedAt:  completedAt,
	}, t0.Add(3*time.Hour))
	require.NoError(t, err)

	got, _ := tr.Get(1)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, completedAt, *got.CompletedAt)
}

func TestExpireIsIdempotentAgainstServerPush(t *testing.T) {
	tests := []struct {
		name        string
		serverFirst bool
	}{
		{name: "timer then push"},
		{name: "push then timer", serverFirst: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(pendingOp(1, "OP-00001"))
			push := domain.OperationExpired{OperationRef: domain.OperationRef{OperationID: 1}}
			at := t0.Add(timeout)

			if tt.serverFirst {
				_, err := tr.ApplyEvent(push, at)
				require.NoError(t, err)
			}

			changed, err := tr.Expire(1, at, timeout)
			require.NoError(t, err)
			assert.Equal(t, !tt.serverFirst, changed)

			changed, err = tr.Expire(1, at.Add(time.Second), timeout)
			require.NoError(t, err)
			assert.False(t, changed)

			if !tt.serverFirst {
				changed, err = tr.ApplyEvent(push, at)
				require.NoError(t, err)
				assert.False(t, changed)
			}

			assert.Equal(t, domain.StatusExpired, status(t, tr, 1))
		})
	}
}

func TestExpireBeforeWindow(t *testing.T) {
	tr := newTracker(pendingOp(1, "OP-00001"))

	_, err := tr.Expire(1, t0.Add(14*time.Minute+59*time.Second), timeout)
	assert.True(t, errors.Is(err, ErrNotExpired))
	assert.Equal(t, domain.StatusPending, status(t, tr, 1))
}

func TestMarkSubmittedAfterExpiration(t *testing.T) {
	tr := newTracker(pendingOp(1, "OP-00001"))

	err := tr.MarkSubmitted(1, t0.Add(timeout), timeout)
	assert.True(t, errors.Is(err, ErrExpired))
	assert.Equal(t, domain.StatusPending, status(t, tr, 1))
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.Status
		reason  string
		wantErr error
	}{
		{name: "pending with reason", from: domain.StatusPending, reason: "cambié de opinión"},
		{name: "in progress with reason", from: domain.StatusInProgress, reason: "monto equivocado"},
		{name: "blank reason", from: domain.StatusPending, reason: "   ", wantErr: ErrReasonRequired},
		{name: "already completed", from: domain.StatusCompleted, reason: "tarde", wantErr: domain.ErrTerminalStatus},
		{name: "already expired", from: domain.StatusExpired, reason: "tarde", wantErr: domain.ErrTerminalStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := pendingOp(1, "OP-00001")
			op.Status = tt.from
			tr := newTracker(op)

			check := CanCancel(op, tt.reason)
			err := tr.Cancel(1, tt.reason, t0.Add(time.Minute))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(check, tt.wantErr), "got %v", check)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, tt.from, status(t, tr, 1))
				return
			}
			require.NoError(t, check)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCancelled, status(t, tr, 1))
		})
	}
}

func TestCancelUnknownOperation(t *testing.T) {
	tr := newTracker()
	err := tr.Cancel(5, "motivo", t0)
	assert.True(t, errors.Is(err, ErrUnknownOperation))
}

func TestReplaceOverwritesOptimisticState(t *testing.T) {
	tr := newTracker(pendingOp(1, "OP-00001"), pendingOp(2, "OP-00002"))
	require.NoError(t, tr.MarkSubmitted(1, t0.Add(time.Minute), timeout))

	changes := tr.Changes().Subscribe()
	defer tr.Changes().Unsubscribe(changes)

	fetched := pendingOp(1, "OP-00001")
	fetched.Status = domain.StatusCancelled
	tr.Replace([]domain.Operation{fetched})

	assert.Equal(t, domain.StatusCancelled, status(t, tr, 1))
	_, ok := tr.Get(2)
	assert.False(t, ok)

	// the subscriber first sees the last local change, then the override
	var last Change
	for i := 0; i < 2; i++ {
		select {
		case last = <-changes:
		case <-time.After(time.Second):
			t.Fatal("missing change")
		}
	}
	assert.Equal(t, domain.StatusInProgress, last.Previous)
	assert.Equal(t, domain.TriggerServer, last.Trigger)
	assert.Equal(t, domain.StatusCancelled, last.Operation.Status)
}

func TestListNewestFirstAndCopies(t *testing.T) {
	older := pendingOp(1, "OP-00001")
	newer := pendingOp(2, "OP-00002")
	newer.CreatedAt = t0.Add(time.Hour)
	newer.ClientDeposits = []domain.Deposit{{Index: 0, Amount: decimal.NewFromInt(10)}}
	tr := newTracker(older, newer)

	list := tr.List()
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].ID)
	assert.Equal(t, int64(1), list[1].ID)

	list[0].ClientDeposits[0].Amount = decimal.NewFromInt(999)
	got, _ := tr.Get(2)
	assert.True(t, got.ClientDeposits[0].Amount.Equal(decimal.NewFromInt(10)))
}

func TestSnapshotsFollowMutationOrder(t *testing.T) {
	const ops = 8
	seed := make([]domain.Operation, ops)
	for i := range seed {
		seed[i] = pendingOp(int64(i+1), fmt.Sprintf("OP-%05d", i+1))
	}
	tr := newTracker(seed...)

	statuses := []domain.Status{domain.StatusInProgress, domain.StatusPending, domain.StatusCompleted, domain.StatusCancelled}

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for i := 0; i < ops; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				op := seed[i]
				op.Status = statuses[(round+i)%len(statuses)]
				tr.Upsert(op)
			}(i)
			go func(i int) {
				defer wg.Done()
				_, err := tr.ApplyServerStatus(domain.OperationRef{OperationID: int64(i + 1)}, statuses[(round+i+1)%len(statuses)], t0)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		last, ok := tr.Snapshots().Last()
		require.True(t, ok)
		assert.Equal(t, tr.List(), last, "round %d", round)
	}
}
