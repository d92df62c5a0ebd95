package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/lifecycle"
	"github.com/vadiminshakov/cambio/pkg/retrier"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 2
	defaultRetryDelay = 500 * time.Millisecond
	maxErrorBody      = 4 << 10
)

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// BackendClient talks to the cambio REST backend, the ledger of record.
type BackendClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retrier    *retrier.Retrier
	l          *zap.Logger
}

// NewBackendClient creates a client for baseURL. token, if set, is sent as a bearer token.
func NewBackendClient(baseURL, token string, timeout time.Duration, l *zap.Logger) *BackendClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &BackendClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		retrier: retrier.New(
			retrier.WithInitialInterval(defaultRetryDelay),
			retrier.WithMaxRetries(defaultMaxRetries),
		),
		l: l,
	}
}

// FetchOperations returns every operation of the client identified by dni.
// The read is idempotent and retried on transport errors and 5xx replies.
func (c *BackendClient) FetchOperations(ctx context.Context, dni string) ([]domain.Operation, error) {
	path := "/api/operations/client/" + url.PathEscape(dni)

	ops, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) ([]domain.Operation, error) {
		var ops []domain.Operation
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &ops); err != nil {
			return nil, retryable(err)
		}
		return ops, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetch operations")
	}

	return ops, nil
}

type createOperationRequest struct {
	ClientDNI    string               `json:"client_dni"`
	Type         domain.OperationType `json:"operation_type"`
	AmountUSD    string               `json:"amount_usd"`
	AmountPEN    string               `json:"amount_pen"`
	ExchangeRate string               `json:"exchange_rate"`
}

// CreateOperation accepts a quote. The returned operation carries the server-assigned id and code.
func (c *BackendClient) CreateOperation(ctx context.Context, dni string, q domain.Quote) (domain.Operation, error) {
	req := createOperationRequest{
		ClientDNI:    dni,
		Type:         q.Type,
		AmountUSD:    q.AmountUSD.StringFixed(2),
		AmountPEN:    q.AmountPEN.StringFixed(2),
		ExchangeRate: q.ExchangeRate.String(),
	}

	var op domain.Operation
	if err := c.doJSON(ctx, http.MethodPost, "/api/operations", req, &op); err != nil {
		return domain.Operation{}, errors.Wrap(err, "create operation")
	}

	return op, nil
}

// UploadDeposit sends one proof of payment. It is never retried here: a failure is
// reported to the submitter, which decides what is left to re-submit.
func (c *BackendClient) UploadDeposit(ctx context.Context, operationID int64, sub domain.DepositSubmission) error {
	body, contentType, err := depositForm(sub)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/api/operations/%d/deposits", operationID)
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if sub.Key != "" {
		req.Header.Set("Idempotency-Key", sub.Key)
	}

	if err := c.do(req, nil); err != nil {
		return errors.Wrapf(err, "upload deposit %d", sub.Index)
	}

	c.l.Debug("deposit uploaded", zap.Int64("operation_id", operationID), zap.Int("deposit_index", sub.Index))
	return nil
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel asks the backend to cancel an operation on the client's behalf.
func (c *BackendClient) Cancel(ctx context.Context, operationID int64, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return lifecycle.ErrReasonRequired
	}

	path := fmt.Sprintf("/api/operations/%d/cancel", operationID)
	if err := c.doJSON(ctx, http.MethodPost, path, cancelRequest{Reason: reason}, nil); err != nil {
		return errors.Wrap(err, "cancel operation")
	}
	return nil
}

// CancelExpired tells the backend the expiration window ran out.
// A conflict means the server already expired (or otherwise closed) the operation and counts as success.
func (c *BackendClient) CancelExpired(ctx context.Context, operationID int64) error {
	path := fmt.Sprintf("/api/operations/%d/cancel-expired", operationID)

	err := c.doJSON(ctx, http.MethodPost, path, nil, nil)
	if IsStatus(err, http.StatusConflict) {
		c.l.Debug("operation already closed on the server", zap.Int64("operation_id", operationID))
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "cancel expired operation")
	}
	return nil
}

// FetchRates returns the current buy and sell rates.
func (c *BackendClient) FetchRates(ctx context.Context) (domain.Rates, error) {
	rates, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (domain.Rates, error) {
		var r domain.Rates
		if err := c.doJSON(ctx, http.MethodGet, "/api/exchange-rates", nil, &r); err != nil {
			return domain.Rates{}, retryable(err)
		}
		return r, nil
	})
	if err != nil {
		return domain.Rates{}, errors.Wrap(err, "fetch exchange rates")
	}
	return rates, nil
}

func (c *BackendClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		body = bytes.NewReader(payload)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, out)
}

func (c *BackendClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *BackendClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: req.Method,
			Path:   req.URL.Path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to unmarshal response")
	}
	return nil
}

// retryable stops the retrier on client errors; they will not heal by themselves.
func retryable(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code < 500 && se.Code != http.StatusTooManyRequests {
		return retrier.Permanent(err)
	}
	return err
}

func depositForm(sub domain.DepositSubmission) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	fields := [][2]string{
		{"deposit_index", strconv.Itoa(sub.Index)},
		{"amount", sub.Amount.StringFixed(2)},
		{"reference_code", sub.ReferenceCode},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", errors.Wrapf(err, "write %s field", f[0])
		}
	}

	if sub.ImagePath != "" {
		f, err := os.Open(sub.ImagePath)
		if err != nil {
			return nil, "", errors.Wrap(err, "open deposit image")
		}
		defer f.Close()

		part, err := w.CreateFormFile("image", filepath.Base(sub.ImagePath))
		if err != nil {
			return nil, "", errors.Wrap(err, "create image part")
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", errors.Wrap(err, "copy deposit image")
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close multipart body")
	}

	return body, w.FormDataContentType(), nil
}
