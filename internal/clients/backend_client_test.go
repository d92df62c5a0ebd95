package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/lifecycle"
)

func newTestBackend(t *testing.T, h http.HandlerFunc) *BackendClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewBackendClient(srv.URL, "tok", time.Second, zap.NewNop())
	return c
}

func TestFetchOperations(t *testing.T) {
	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/operations/client/12345678", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		_, _ = io.WriteString(w, `[{
			"id": 7,
			"operation_code": "OP-00007",
			"operation_type": "Compra",
			"amount_usd": 100,
			"amount_pen": "375.00",
			"exchange_rate": 3.75,
			"status": "En proceso",
			"client_dni": "12345678",
			"created_at": "2026-03-02T10:00:00Z",
			"updated_at": "2026-03-02T10:05:00Z",
			"client_deposits": [{"deposit_index": 0, "amount": 375, "reference_code": "R1"}],
			"operator_proofs": [],
			"invoices": []
		}]`)
	})

	ops, err := c.FetchOperations(context.Background(), "12345678")
	require.NoError(t, err)
	require.Len(t, ops, 1)

	op := ops[0]
	assert.Equal(t, int64(7), op.ID)
	assert.Equal(t, "OP-00007", op.Code)
	assert.Equal(t, domain.StatusInProgress, op.Status)
	assert.True(t, op.AmountPEN.Equal(decimal.NewFromInt(375)))
	require.Len(t, op.ClientDeposits, 1)
	assert.Equal(t, "R1", op.ClientDeposits[0].ReferenceCode)
}

func TestFetchOperationsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	})

	ops, err := c.FetchOperations(context.Background(), "12345678")
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchOperationsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown client", http.StatusNotFound)
	})

	_, err := c.FetchOperations(context.Background(), "00000000")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Equal(t, int32(1), calls.Load())
}

func TestUploadDeposit(t *testing.T) {
	img := filepath.Join(t.TempDir(), "voucher.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg-bytes"), 0o644))

	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/operations/7/deposits", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "1", r.FormValue("deposit_index"))
		assert.Equal(t, "175.00", r.FormValue("amount"))
		assert.Equal(t, "OPE-991", r.FormValue("reference_code"))

		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "voucher.jpg", hdr.Filename)
		assert.Equal(t, "jpeg-bytes", string(data))

		w.WriteHeader(http.StatusCreated)
	})

	err := c.UploadDeposit(context.Background(), 7, domain.DepositSubmission{
		Index:         1,
		Amount:        decimal.NewFromInt(175),
		ReferenceCode: "OPE-991",
		ImagePath:     img,
		Key:           "key-1",
	})
	require.NoError(t, err)
}

func TestUploadDepositIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := c.UploadDeposit(context.Background(), 7, domain.DepositSubmission{Index: 0, Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancel(t *testing.T) {
	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/operations/7/cancel", r.URL.Path)
		var body cancelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "monto equivocado", body.Reason)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Cancel(context.Background(), 7, "monto equivocado"))
	assert.True(t, errors.Is(c.Cancel(context.Background(), 7, " "), lifecycle.ErrReasonRequired))
}

func TestCancelExpired(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantErr bool
	}{
		{name: "expired now", code: http.StatusOK},
		{name: "already expired on the server", code: http.StatusConflict},
		{name: "server failure", code: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/operations/3/cancel-expired", r.URL.Path)
				w.WriteHeader(tt.code)
			})

			err := c.CancelExpired(context.Background(), 3)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCreateOperationAndRates(t *testing.T) {
	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/exchange-rates":
			_, _ = io.WriteString(w, `{"compra": "3.70", "venta": "3.75"}`)
		case "/api/operations":
			var req createOperationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "375.00", req.AmountPEN)
			assert.Equal(t, "100.00", req.AmountUSD)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":             11,
				"operation_code": "OP-00011",
				"operation_type": req.Type,
				"amount_usd":     req.AmountUSD,
				"amount_pen":     req.AmountPEN,
				"exchange_rate":  req.ExchangeRate,
				"status":         "Pendiente",
			})
		default:
			http.NotFound(w, r)
		}
	})

	rates, err := c.FetchRates(context.Background())
	require.NoError(t, err)
	assert.True(t, rates.Venta.Equal(decimal.RequireFromString("3.75")))

	q, err := domain.NewQuote(domain.OperationCompra, decimal.NewFromInt(100), rates.Venta)
	require.NoError(t, err)

	op, err := c.CreateOperation(context.Background(), "12345678", q)
	require.NoError(t, err)
	assert.Equal(t, "OP-00011", op.Code)
	assert.Equal(t, domain.StatusPending, op.Status)
	assert.True(t, op.AmountPEN.Equal(decimal.NewFromInt(375)))
}
