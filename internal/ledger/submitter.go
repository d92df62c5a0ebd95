package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/expiry"
	"github.com/vadiminshakov/cambio/internal/lifecycle"
	"github.com/vadiminshakov/cambio/internal/metrics"
)

// Uploader hands one deposit proof to the backend.
type Uploader interface {
	UploadDeposit(ctx context.Context, operationID int64, sub domain.DepositSubmission) error
}

// PartialUploadError reports a submission that stopped at FailedIndex.
// Uploaded deposits are durable on the server and are not rolled back.
type PartialUploadError struct {
	OperationID int64
	FailedIndex int
	// Uploaded are the deposit indexes accepted before the failure.
	Uploaded []int
	// Pending are the entries that still need re-submission, the failed one first.
	Pending []domain.DepositSubmission
	Err     error
}

func (e *PartialUploadError) Error() string {
	return fmt.Sprintf("operation %d: deposit %d failed after %d uploaded, %d pending: %v",
		e.OperationID, e.FailedIndex, len(e.Uploaded), len(e.Pending), e.Err)
}

func (e *PartialUploadError) Unwrap() error { return e.Err }

// Submission is the outcome of a fully uploaded ledger.
type Submission struct {
	OperationID int64
	Indexes     []int
}

// Submitter uploads a reconciled ledger strictly in order, one entry at a time.
type Submitter struct {
	uploader Uploader
	tracker  *lifecycle.Tracker
	journal  *Journal
	timeout  time.Duration
	now      func() time.Time
	l        *zap.Logger
}

// NewSubmitter creates a submitter. journal may be nil.
func NewSubmitter(uploader Uploader, tracker *lifecycle.Tracker, journal *Journal, timeout time.Duration, l *zap.Logger) *Submitter {
	return &Submitter{
		uploader: uploader,
		tracker:  tracker,
		journal:  journal,
		timeout:  timeout,
		now:      time.Now,
		l:        l,
	}
}

// Submit reconciles the ledger against the operation, clears it and uploads its entries.
// Indexes continue after the deposits the server already has. A failed upload is not retried:
// the returned *PartialUploadError lists what was uploaded and what is left.
func (s *Submitter) Submit(ctx context.Context, operationID int64, staged *Ledger) (Submission, error) {
	op, err := s.open(operationID)
	if err != nil {
		return Submission{}, err
	}

	expected, currency := op.ExpectedDeposit()
	entries, err := staged.takeReconciled(expected)
	if err != nil {
		return Submission{}, err
	}

	subs := make([]domain.DepositSubmission, len(entries))
	base := len(op.ClientDeposits)
	for i, e := range entries {
		subs[i] = domain.DepositSubmission{
			Index:         base + i,
			Amount:        e.Amount,
			ReferenceCode: e.ReferenceCode,
			ImagePath:     e.ImagePath,
		}
	}

	records := s.prepare(op, subs)

	s.l.Info("submitting deposits",
		zap.Int64("operation_id", op.ID),
		zap.String("operation_code", op.Code),
		zap.Int("count", len(subs)),
		zap.String("total", expected.StringFixed(2)),
		zap.String("currency", currency))

	uploaded := make([]int, 0, len(subs))
	for i, sub := range subs {
		if err := s.uploader.UploadDeposit(ctx, op.ID, sub); err != nil {
			metrics.DepositUploads.WithLabelValues("failed").Inc()
			s.markFailed(records[i], err)

			s.l.Error("deposit upload failed",
				zap.Int64("operation_id", op.ID),
				zap.Int("deposit_index", sub.Index),
				zap.Ints("uploaded", uploaded),
				zap.Error(err))

			return Submission{}, &PartialUploadError{
				OperationID: op.ID,
				FailedIndex: sub.Index,
				Uploaded:    uploaded,
				Pending:     append([]domain.DepositSubmission(nil), subs[i:]...),
				Err:         err,
			}
		}

		metrics.DepositUploads.WithLabelValues("ok").Inc()
		s.markDone(records[i])
		uploaded = append(uploaded, sub.Index)
	}

	if err := s.tracker.MarkSubmitted(op.ID, s.now(), s.timeout); err != nil {
		// the server already moved on; the next fetch brings its status
		s.l.Warn("operation not marked as submitted", zap.Int64("operation_id", op.ID), zap.Error(err))
	}

	return Submission{OperationID: op.ID, Indexes: uploaded}, nil
}

// Resubmit uploads journaled entries that never completed for an operation, in index order.
func (s *Submitter) Resubmit(ctx context.Context, operationID int64) (Submission, error) {
	if s.journal == nil {
		return Submission{OperationID: operationID}, nil
	}

	var pending []UploadRecord
	for _, r := range s.journal.Pending() {
		if r.OperationID == operationID {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return Submission{OperationID: operationID}, nil
	}

	// leftovers of a closed operation stay journaled and are never sent
	if _, err := s.open(operationID); err != nil {
		return Submission{}, err
	}

	uploaded := make([]int, 0, len(pending))
	for i := range pending {
		rec := pending[i]
		if err := s.uploader.UploadDeposit(ctx, operationID, rec.Submission()); err != nil {
			metrics.DepositUploads.WithLabelValues("failed").Inc()
			s.markFailed(&rec, err)

			rest := make([]domain.DepositSubmission, 0, len(pending)-i)
			for _, r := range pending[i:] {
				rest = append(rest, r.Submission())
			}
			return Submission{}, &PartialUploadError{
				OperationID: operationID,
				FailedIndex: rec.DepositIndex,
				Uploaded:    uploaded,
				Pending:     rest,
				Err:         err,
			}
		}
		metrics.DepositUploads.WithLabelValues("ok").Inc()
		s.markDone(&rec)
		uploaded = append(uploaded, rec.DepositIndex)
	}

	if err := s.tracker.MarkSubmitted(operationID, s.now(), s.timeout); err != nil {
		s.l.Warn("operation not marked as submitted", zap.Int64("operation_id", operationID), zap.Error(err))
	}

	return Submission{OperationID: operationID, Indexes: uploaded}, nil
}

// open returns the operation if it still accepts deposits.
func (s *Submitter) open(operationID int64) (domain.Operation, error) {
	op, ok := s.tracker.Get(operationID)
	if !ok {
		return domain.Operation{}, errors.Wrapf(lifecycle.ErrUnknownOperation, "id %d", operationID)
	}
	if err := domain.CheckTransition(op.Status, domain.StatusInProgress, domain.TriggerUser); err != nil {
		return domain.Operation{}, errors.Wrapf(err, "submit deposits for %s", op.Code)
	}
	if expiry.Compute(op.CreatedAt, s.timeout, s.now()).Expired {
		return domain.Operation{}, errors.Wrapf(lifecycle.ErrExpired, "submit deposits for %s", op.Code)
	}
	return op, nil
}

func (s *Submitter) prepare(op domain.Operation, subs []domain.DepositSubmission) []*UploadRecord {
	records := make([]*UploadRecord, len(subs))
	if s.journal == nil {
		return records
	}

	at := s.now()
	for i := range subs {
		rec, err := s.journal.Prepare(op, subs[i], at)
		if err != nil {
			s.l.Warn("failed to journal deposit upload", zap.Int("deposit_index", subs[i].Index), zap.Error(err))
			continue
		}
		records[i] = rec
		subs[i].Key = rec.ID
	}
	return records
}

func (s *Submitter) markDone(rec *UploadRecord) {
	if s.journal == nil || rec == nil {
		return
	}
	if err := s.journal.MarkDone(rec); err != nil {
		s.l.Warn("failed to journal upload result", zap.String("upload_id", rec.ID), zap.Error(err))
	}
}

func (s *Submitter) markFailed(rec *UploadRecord, cause error) {
	if s.journal == nil || rec == nil {
		return
	}
	if err := s.journal.MarkFailed(rec, cause); err != nil {
		s.l.Warn("failed to journal upload result", zap.String("upload_id", rec.ID), zap.Error(err))
	}
}
