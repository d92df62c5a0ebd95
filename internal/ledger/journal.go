package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
)

const (
	DefaultJournalDir = "./wal/uploads"

	uploadKeyPrefix = "deposit_upload_"
	segmentLimit    = 100
	maxSegments     = 10
)

// UploadStatus of a journaled upload.
type UploadStatus string

const (
	UploadPending UploadStatus = "pending"
	UploadDone    UploadStatus = "done"
	UploadFailed  UploadStatus = "failed"
)

// UploadRecord is the durable trace of one deposit upload attempt.
type UploadRecord struct {
	ID            string          `json:"id"`
	Status        UploadStatus    `json:"status"`
	OperationID   int64           `json:"operation_id"`
	OperationCode string          `json:"operation_code"`
	DepositIndex  int             `json:"deposit_index"`
	Amount        decimal.Decimal `json:"amount"`
	ReferenceCode string          `json:"reference_code"`
	ImagePath     string          `json:"image_path"`
	Time          time.Time       `json:"time"`
	Error         string          `json:"error,omitempty"`
}

// Submission rebuilds the upload handed to the backend, keyed by the record id.
func (r UploadRecord) Submission() domain.DepositSubmission {
	return domain.DepositSubmission{
		Index:         r.DepositIndex,
		Amount:        r.Amount,
		ReferenceCode: r.ReferenceCode,
		ImagePath:     r.ImagePath,
		Key:           r.ID,
	}
}

// Journal records every upload as pending before it starts and done or failed after,
// so uploads that still need re-submission survive a crash.
type Journal struct {
	wal     *gowal.Wal
	mu      sync.Mutex
	records []*UploadRecord
	index   map[string]*UploadRecord
}

// OpenJournal opens (or creates) the upload journal in dir and replays it.
func OpenJournal(dir string, l *zap.Logger) (*Journal, error) {
	if dir == "" {
		dir = DefaultJournalDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "upload_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init upload WAL")
	}

	j := &Journal{wal: wal, index: make(map[string]*UploadRecord)}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, uploadKeyPrefix) {
			continue
		}
		var rec UploadRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			l.Error("failed to unmarshal upload record", zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		// later writes of the same id carry the newer status
		if existing, ok := j.index[rec.ID]; ok {
			*existing = rec
			continue
		}
		recCopy := rec
		j.records = append(j.records, &recCopy)
		j.index[rec.ID] = &recCopy
	}

	return j, nil
}

// Prepare journals an upload as pending and returns its record; the id doubles as idempotency key.
func (j *Journal) Prepare(op domain.Operation, sub domain.DepositSubmission, at time.Time) (*UploadRecord, error) {
	rec := &UploadRecord{
		ID:            uuid.New().String(),
		Status:        UploadPending,
		OperationID:   op.ID,
		OperationCode: op.Code,
		DepositIndex:  sub.Index,
		Amount:        sub.Amount,
		ReferenceCode: sub.ReferenceCode,
		ImagePath:     sub.ImagePath,
		Time:          at,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.persist(rec); err != nil {
		return nil, err
	}
	j.records = append(j.records, rec)
	j.index[rec.ID] = rec
	return rec, nil
}

func (j *Journal) MarkDone(rec *UploadRecord) error {
	if rec == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	target := j.tracked(rec)
	target.Status = UploadDone
	target.Error = ""
	*rec = *target
	return j.persist(target)
}

func (j *Journal) MarkFailed(rec *UploadRecord, err error) error {
	if rec == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	target := j.tracked(rec)
	target.Status = UploadFailed
	if err != nil {
		target.Error = err.Error()
	} else {
		target.Error = ""
	}
	*rec = *target
	return j.persist(target)
}

// tracked returns the journal's own copy of rec, so callers may pass copies from Records.
func (j *Journal) tracked(rec *UploadRecord) *UploadRecord {
	if t, ok := j.index[rec.ID]; ok {
		return t
	}
	return rec
}

// Records returns copies of every journaled upload in the order they were prepared.
func (j *Journal) Records() []UploadRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]UploadRecord, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, *r)
	}
	return out
}

// Pending returns uploads that did not complete: failed ones and ones never attempted.
func (j *Journal) Pending() []UploadRecord {
	var out []UploadRecord
	for _, r := range j.Records() {
		if r.Status != UploadDone {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the record with the given id.
func (j *Journal) Get(id string) (UploadRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	r, ok := j.index[id]
	if !ok {
		return UploadRecord{}, false
	}
	return *r, true
}

func (j *Journal) Close() error {
	return j.wal.Close()
}

func (j *Journal) persist(rec *UploadRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal upload record")
	}
	key := fmt.Sprintf("%s%s", uploadKeyPrefix, rec.ID)
	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, data)
}
