// Package lifecycle mirrors the server-side lifecycle of the client's operations.
// Local transitions are optimistic; any status coming from the server overwrites them.
package lifecycle

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/events"
	"github.com/vadiminshakov/cambio/internal/expiry"
	"github.com/vadiminshakov/cambio/internal/metrics"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrReasonRequired   = errors.New("cancellation reason is required")
	ErrExpired          = errors.New("operation expiration window has elapsed")
	ErrNotExpired       = errors.New("operation expiration window has not elapsed")
)

const changeBuffer = 32

// Change describes one status transition applied to the mirror.
type Change struct {
	Operation domain.Operation
	Previous  domain.Status
	Trigger   domain.Trigger
}

// Tracker holds the client's operations keyed by id and by code.
// It is safe for concurrent use.
type Tracker struct {
	l *zap.Logger

	mu     sync.RWMutex
	byID   map[int64]*domain.Operation
	byCode map[string]int64

	changes   *events.Broadcaster[Change]
	snapshots *events.Broadcaster[[]domain.Operation]
}

func NewTracker(l *zap.Logger) *Tracker {
	return &Tracker{
		l:         l,
		byID:      make(map[int64]*domain.Operation),
		byCode:    make(map[string]int64),
		changes:   events.NewBroadcaster[Change](changeBuffer),
		snapshots: events.NewBroadcaster[[]domain.Operation](1),
	}
}

// Changes streams every status transition.
func (t *Tracker) Changes() *events.Broadcaster[Change] { return t.changes }

// Snapshots streams the full operation list after every mutation.
func (t *Tracker) Snapshots() *events.Broadcaster[[]domain.Operation] { return t.snapshots }

// Replace overwrites the mirror with a freshly fetched list. Fetched state always wins.
func (t *Tracker) Replace(ops []domain.Operation) {
	t.mu.Lock()
	var changed []Change

	byID := make(map[int64]*domain.Operation, len(ops))
	byCode := make(map[string]int64, len(ops))
	for i := range ops {
		op := ops[i].Clone()
		if prev, ok := t.byID[op.ID]; ok && prev.Status != op.Status {
			t.countOverride(prev, op.Status)
			changed = append(changed, Change{Operation: op.Clone(), Previous: prev.Status, Trigger: domain.TriggerServer})
		}
		byID[op.ID] = &op
		if op.Code != "" {
			byCode[op.Code] = op.ID
		}
	}
	t.byID, t.byCode = byID, byCode

	for _, c := range changed {
		t.changes.Publish(c)
	}
	t.publishSnapshotLocked()
	t.mu.Unlock()
}

// Upsert stores one operation as returned by the server.
func (t *Tracker) Upsert(op domain.Operation) {
	t.mu.Lock()
	var change *Change
	if prev, ok := t.byID[op.ID]; ok && prev.Status != op.Status {
		t.countOverride(prev, op.Status)
		change = &Change{Operation: op.Clone(), Previous: prev.Status, Trigger: domain.TriggerServer}
	}
	stored := op.Clone()
	t.byID[op.ID] = &stored
	if op.Code != "" {
		t.byCode[op.Code] = op.ID
	}
	if change != nil {
		t.changes.Publish(*change)
	}
	t.publishSnapshotLocked()
	t.mu.Unlock()
}

// ApplyServerStatus unconditionally overwrites the status of the referenced operation.
// It reports false when the operation is not in the mirror yet; the caller refetches.
func (t *Tracker) ApplyServerStatus(ref domain.OperationRef, status domain.Status, at time.Time) (bool, error) {
	if err := domain.CheckTransition("", status, domain.TriggerServer); err != nil {
		return false, err
	}

	return t.mutate(ref, func(op *domain.Operation) (bool, error) {
		if op.Status == status {
			return false, nil
		}
		t.countOverride(op, status)
		if status == domain.StatusExpired {
			metrics.Expirations.WithLabelValues("server").Inc()
		}
		op.Status = status
		op.UpdatedAt = at
		if status == domain.StatusCompleted && op.CompletedAt == nil {
			completed := at
			op.CompletedAt = &completed
		}
		return true, nil
	}, domain.TriggerServer)
}

// ApplyEvent applies the authoritative status carried by a pushed operation event.
func (t *Tracker) ApplyEvent(ev domain.OperationEvent, at time.Time) (bool, error) {
	status, ok := ev.AuthoritativeStatus()
	if !ok {
		return false, nil
	}
	if c, isCompleted := ev.(domain.OperationCompleted); isCompleted && !c.CompletedAt.IsZero() {
		at = c.CompletedAt
	}
	return t.ApplyServerStatus(ev.Ref(), status, at)
}

// MarkSubmitted moves a pending operation to En proceso after its deposits were accepted.
func (t *Tracker) MarkSubmitted(id int64, now time.Time, timeout time.Duration) error {
	_, err := t.mutate(domain.OperationRef{OperationID: id}, func(op *domain.Operation) (bool, error) {
		if err := domain.CheckTransition(op.Status, domain.StatusInProgress, domain.TriggerUser); err != nil {
			return false, err
		}
		if expiry.Compute(op.CreatedAt, timeout, now).Expired {
			return false, errors.Wrapf(ErrExpired, "operation %d", op.ID)
		}
		op.Status = domain.StatusInProgress
		op.UpdatedAt = now
		return true, nil
	}, domain.TriggerUser)

	return err
}

// CanCancel checks a user cancellation of op without applying it.
func CanCancel(op domain.Operation, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	return domain.CheckTransition(op.Status, domain.StatusCancelled, domain.TriggerUser)
}

// Cancel applies a user cancellation. The reason is mandatory.
func (t *Tracker) Cancel(id int64, reason string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}

	_, err := t.mutate(domain.OperationRef{OperationID: id}, func(op *domain.Operation) (bool, error) {
		if err := CanCancel(*op, reason); err != nil {
			return false, err
		}
		op.Status = domain.StatusCancelled
		op.UpdatedAt = now
		return true, nil
	}, domain.TriggerUser)

	return err
}

// Expire applies the local timer expiration. It reports true only when the status actually
// changed; an operation that already left Pendiente, expired included, is left alone.
func (t *Tracker) Expire(id int64, now time.Time, timeout time.Duration) (bool, error) {
	return t.mutate(domain.OperationRef{OperationID: id}, func(op *domain.Operation) (bool, error) {
		if op.Status != domain.StatusPending {
			return false, nil
		}
		if !expiry.Compute(op.CreatedAt, timeout, now).Expired {
			return false, errors.Wrapf(ErrNotExpired, "operation %d", op.ID)
		}
		if err := domain.CheckTransition(op.Status, domain.StatusExpired, domain.TriggerTimer); err != nil {
			return false, err
		}
		metrics.Expirations.WithLabelValues("timer").Inc()
		op.Status = domain.StatusExpired
		op.UpdatedAt = now
		return true, nil
	}, domain.TriggerTimer)
}

// Get returns a copy of the operation with the given id.
func (t *Tracker) Get(id int64) (domain.Operation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	op, ok := t.byID[id]
	if !ok {
		return domain.Operation{}, false
	}
	return op.Clone(), true
}

// GetByCode returns a copy of the operation with the given code.
func (t *Tracker) GetByCode(code string) (domain.Operation, bool) {
	t.mu.RLock()
	id, ok := t.byCode[code]
	t.mu.RUnlock()
	if !ok {
		return domain.Operation{}, false
	}
	return t.Get(id)
}

// List returns copies of all operations, newest first.
func (t *Tracker) List() []domain.Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listLocked()
}

func (t *Tracker) mutate(ref domain.OperationRef, fn func(op *domain.Operation) (bool, error), trigger domain.Trigger) (bool, error) {
	t.mu.Lock()
	op, ok := t.resolveLocked(ref)
	if !ok {
		t.mu.Unlock()
		if trigger == domain.TriggerServer {
			return false, nil
		}
		return false, errors.Wrapf(ErrUnknownOperation, "id %d code %q", ref.OperationID, ref.OperationCode)
	}

	previous := op.Status
	changed, err := fn(op)
	if err != nil || !changed {
		t.mu.Unlock()
		return false, err
	}
	change := Change{Operation: op.Clone(), Previous: previous, Trigger: trigger}
	t.changes.Publish(change)
	t.publishSnapshotLocked()
	t.mu.Unlock()

	t.l.Info("operation status changed",
		zap.Int64("operation_id", change.Operation.ID),
		zap.String("operation_code", change.Operation.Code),
		zap.String("from", string(previous)),
		zap.String("to", string(change.Operation.Status)),
		zap.Stringer("trigger", trigger))

	return true, nil
}

func (t *Tracker) resolveLocked(ref domain.OperationRef) (*domain.Operation, bool) {
	if ref.OperationID != 0 {
		if op, ok := t.byID[ref.OperationID]; ok {
			return op, true
		}
	}
	if ref.OperationCode != "" {
		if id, ok := t.byCode[ref.OperationCode]; ok {
			op, ok := t.byID[id]
			return op, ok
		}
	}
	return nil, false
}

// publishSnapshotLocked runs under the write lock so subscribers see mutations in order.
// Publish never blocks.
func (t *Tracker) publishSnapshotLocked() {
	t.snapshots.Publish(t.listLocked())
}

func (t *Tracker) listLocked() []domain.Operation {
	out := make([]domain.Operation, 0, len(t.byID))
	for _, op := range t.byID {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// countOverride records a server status replacing a different local one.
func (t *Tracker) countOverride(prev *domain.Operation, next domain.Status) {
	metrics.StatusOverrides.Inc()
	t.l.Debug("server status overrides local status",
		zap.Int64("operation_id", prev.ID),
		zap.String("local", string(prev.Status)),
		zap.String("server", string(next)))
}
