// Package notify raises local notifications for pushed events.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/events"
)

// Notification is what the user sees outside the app screens.
type Notification struct {
	Event         domain.EventName `json:"event"`
	Title         string           `json:"title"`
	Body          string           `json:"body"`
	OperationCode string           `json:"operation_code,omitempty"`
	At            time.Time        `json:"at"`
}

// Notifier delivers a notification to the platform.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ForEvent builds the notification for a pushed event.
// Only status changes, completions, rate updates, document approvals and expirations notify.
func ForEvent(ev domain.Event, at time.Time) (Notification, bool) {
	n := Notification{Event: ev.EventName(), At: at}

	switch e := ev.(type) {
	case domain.OperationStatusChanged:
		n.OperationCode = e.OperationCode
		n.Title = "Estado de operación actualizado"
		n.Body = fmt.Sprintf("La operación %s ahora está %s", label(e.OperationRef), e.Status)
	case domain.OperationCompleted:
		n.OperationCode = e.OperationCode
		n.Title = "Operación completada"
		n.Body = fmt.Sprintf("La operación %s fue completada", label(e.OperationRef))
	case domain.OperationExpired:
		n.OperationCode = e.OperationCode
		n.Title = "Operación expirada"
		n.Body = fmt.Sprintf("La operación %s expiró sin comprobante de pago", label(e.OperationRef))
	case domain.RateUpdated:
		n.Title = "Tipo de cambio actualizado"
		n.Body = fmt.Sprintf("Compra %s | Venta %s", e.Compra.StringFixed(3), e.Venta.StringFixed(3))
	case domain.DocumentsApproved:
		n.Title = "Documentos aprobados"
		n.Body = e.Message
		if n.Body == "" {
			n.Body = "Tus documentos fueron aprobados"
		}
	default:
		return Notification{}, false
	}

	return n, true
}

func label(ref domain.OperationRef) string {
	if ref.OperationCode != "" {
		return ref.OperationCode
	}
	return fmt.Sprintf("#%d", ref.OperationID)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	l *zap.Logger
}

func NewLogNotifier(l *zap.Logger) *LogNotifier {
	return &LogNotifier{l: l}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.l.Info(note.Title,
		zap.String("event", string(note.Event)),
		zap.String("body", note.Body),
		zap.String("operation_code", note.OperationCode))
	return nil
}

// BroadcastNotifier publishes notifications to local readers such as the dashboard.
type BroadcastNotifier struct {
	b *events.Broadcaster[Notification]
}

func NewBroadcastNotifier(b *events.Broadcaster[Notification]) *BroadcastNotifier {
	return &BroadcastNotifier{b: b}
}

func (n *BroadcastNotifier) Notify(_ context.Context, note Notification) error {
	n.b.Publish(note)
	return nil
}

// Multi delivers to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, note Notification) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil && first == nil {
			first = err
		}
	}
	return first
}
