// Package web serves the local dashboard: JSON reads, SSE streams and prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/events"
	"github.com/vadiminshakov/cambio/internal/expiry"
	"github.com/vadiminshakov/cambio/internal/notify"
)

const heartbeatInterval = 30 * time.Second

// OperationsSource is the mirrored operation state.
type OperationsSource interface {
	List() []domain.Operation
	Get(id int64) (domain.Operation, bool)
	Snapshots() *events.Broadcaster[[]domain.Operation]
}

// RatesSource is the rate board.
type RatesSource interface {
	Rates() (domain.Rates, bool)
	Updates() *events.Broadcaster[domain.Rates]
}

// Remainer computes the time a pending operation has left.
type Remainer interface {
	Remaining(op domain.Operation) expiry.Remaining
}

// OperationView is an operation as the dashboard shows it.
type OperationView struct {
	domain.Operation
	ExpectedDeposit string `json:"expected_deposit"`
	Currency        string `json:"currency"`
	// RemainingSeconds is only set while the operation is Pendiente.
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
}

// Server exposes the dashboard over HTTP. Any number of browser tabs may stream at once.
type Server struct {
	Addr string

	ops      OperationsSource
	remainer Remainer
	rates    RatesSource
	notes    *events.Broadcaster[notify.Notification]
	l        *zap.Logger
}

// NewServer creates the dashboard. rates and notes may be nil.
func NewServer(addr string, ops OperationsSource, remainer Remainer, rates RatesSource,
	notes *events.Broadcaster[notify.Notification], l *zap.Logger) *Server {
	return &Server{
		Addr:     addr,
		ops:      ops,
		remainer: remainer,
		rates:    rates,
		notes:    notes,
		l:        l,
	}
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/operations", func(r chi.Router) {
		r.Get("/", s.handleOperations)
		r.Get("/stream", s.handleOperationsStream)
		r.Get("/{id}", s.handleOperation)
	})

	r.Get("/rates", s.handleRates)
	r.Get("/rates/stream", s.handleRatesStream)
	r.Get("/notifications/stream", s.handleNotificationsStream)

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("dashboard listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "dashboard server")
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.views(s.ops.List()))
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid operation id"})
		return
	}
	op, ok := s.ops.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not found"})
		return
	}
	writeJSON(w, http.StatusOK, s.view(op))
}

func (s *Server) handleOperationsStream(w http.ResponseWriter, r *http.Request) {
	stream(w, r, s.l, s.ops.Snapshots(), "operations", func(ops []domain.Operation) any {
		return s.views(ops)
	})
}

func (s *Server) handleRates(w http.ResponseWriter, _ *http.Request) {
	if s.rates == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rates not available"})
		return
	}
	rates, ok := s.rates.Rates()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rates not loaded yet"})
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

func (s *Server) handleRatesStream(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		http.Error(w, "rates not available", http.StatusServiceUnavailable)
		return
	}
	stream(w, r, s.l, s.rates.Updates(), "rates", func(v domain.Rates) any { return v })
}

func (s *Server) handleNotificationsStream(w http.ResponseWriter, r *http.Request) {
	if s.notes == nil {
		http.Error(w, "notifications disabled", http.StatusServiceUnavailable)
		return
	}
	stream(w, r, s.l, s.notes, "notification", func(n notify.Notification) any { return n })
}

func (s *Server) views(ops []domain.Operation) []OperationView {
	out := make([]OperationView, 0, len(ops))
	for _, op := range ops {
		out = append(out, s.view(op))
	}
	return out
}

func (s *Server) view(op domain.Operation) OperationView {
	amount, currency := op.ExpectedDeposit()
	v := OperationView{
		Operation:       op,
		ExpectedDeposit: amount.StringFixed(2),
		Currency:        currency,
	}
	if op.Status == domain.StatusPending && s.remainer != nil {
		r := s.remainer.Remaining(op)
		secs := r.Minutes*60 + r.Seconds
		v.RemainingSeconds = &secs
	}
	return v
}

// stream writes every value published on b as an SSE event until the client goes away.
// The last published value goes out first.
func stream[T any](w http.ResponseWriter, r *http.Request, l *zap.Logger, b *events.Broadcaster[T], event string, render func(T) any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// send a comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case v, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(render(v))
			if err != nil {
				l.Warn("sse payload encoding failed", zap.String("event", event), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", event)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const indexHTML = `<!DOCTYPE html>
<html lang="es">
<head>
  <meta charset="utf-8" />
  <title>Cambio</title>
  <style>
    body { font-family:'Space Mono',monospace; margin:2rem; color:#111; }
    table { border-collapse:collapse; width:100%; }
    th, td { border-bottom:1px solid #ddd; padding:.4rem .6rem; text-align:left; }
    .Pendiente { color:#b36b00; } .Completada { color:#1a7f37; }
    .Cancelado, .Expirada { color:#999; }
    #rates { font-size:1.2rem; margin-bottom:1rem; }
    #notes li { margin:.2rem 0; }
  </style>
</head>
<body>
  <div id="rates">Compra - | Venta -</div>
  <table>
    <thead><tr><th>Código</th><th>Tipo</th><th>USD</th><th>PEN</th><th>Estado</th><th>Depositar</th><th>Tiempo</th></tr></thead>
    <tbody id="ops"></tbody>
  </table>
  <ul id="notes"></ul>
<script>
function fmt(secs){ if(secs===undefined||secs===null) return ''; const m=Math.floor(secs/60), s=secs%60; return m+':'+String(s).padStart(2,'0'); }
const statuses = ['Pendiente','En proceso','Completada','Cancelado','Expirada'];
function cell(tr, text){ const td = document.createElement('td'); td.textContent = text; tr.appendChild(td); return td; }
function renderOps(ops){
  const rows = ops.map(o => {
    const tr = document.createElement('tr');
    cell(tr, o.operation_code); cell(tr, o.operation_type);
    cell(tr, o.amount_usd); cell(tr, o.amount_pen);
    const st = cell(tr, o.status);
    if (statuses.includes(o.status)) st.className = o.status;
    cell(tr, o.expected_deposit+' '+o.currency);
    cell(tr, fmt(o.remaining_seconds));
    return tr;
  });
  document.getElementById('ops').replaceChildren(...rows);
}
new EventSource('/operations/stream').addEventListener('operations', e => renderOps(JSON.parse(e.data)));
new EventSource('/rates/stream').addEventListener('rates', e => {
  const r = JSON.parse(e.data);
  document.getElementById('rates').textContent = 'Compra '+r.compra+' | Venta '+r.venta;
});
new EventSource('/notifications/stream').addEventListener('notification', e => {
  const n = JSON.parse(e.data), li = document.createElement('li');
  li.textContent = n.title+': '+n.body;
  document.getElementById('notes').prepend(li);
});
</script>
</body>
</html>
`
