package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// EventName names a message on the event channel.
type EventName string

const (
	EventOperationStatusChanged EventName = "operation_status_changed"
	EventOperationCompleted     EventName = "operation_completed"
	EventOperationCancelled     EventName = "operation_cancelled"
	EventOperationExpired       EventName = "operation_expired"
	EventRateUpdated            EventName = "rate_updated"
	EventDocumentsApproved      EventName = "documents_approved"
)

// OperationEvents are the names carrying an operation reference.
var OperationEvents = []EventName{
	EventOperationStatusChanged,
	EventOperationCompleted,
	EventOperationCancelled,
	EventOperationExpired,
}

// Event is a decoded server push. Each name has its own payload type.
type Event interface {
	EventName() EventName
}

// OperationRef identifies the operation a push is about. Either field may be empty.
type OperationRef struct {
	OperationID   int64  `json:"operation_id"`
	OperationCode string `json:"operation_code"`
}

// Ref returns the reference itself, so embedding types satisfy OperationEvent.
func (r OperationRef) Ref() OperationRef { return r }

// OperationEvent is an event that names an operation and may carry its authoritative status.
type OperationEvent interface {
	Event
	Ref() OperationRef
	// AuthoritativeStatus is the status the server declares, if the event implies one.
	AuthoritativeStatus() (Status, bool)
}

type OperationStatusChanged struct {
	OperationRef
	Status         Status `json:"status"`
	PreviousStatus Status `json:"previous_status,omitempty"`
}

func (OperationStatusChanged) EventName() EventName { return EventOperationStatusChanged }

func (e OperationStatusChanged) AuthoritativeStatus() (Status, bool) {
	return e.Status, e.Status.IsValid()
}

type OperationCompleted struct {
	OperationRef
	CompletedAt time.Time `json:"completed_at"`
}

func (OperationCompleted) EventName() EventName { return EventOperationCompleted }

func (OperationCompleted) AuthoritativeStatus() (Status, bool) { return StatusCompleted, true }

type OperationCancelled struct {
	OperationRef
	Reason string `json:"reason,omitempty"`
}

func (OperationCancelled) EventName() EventName { return EventOperationCancelled }

func (OperationCancelled) AuthoritativeStatus() (Status, bool) { return StatusCancelled, true }

type OperationExpired struct {
	OperationRef
}

func (OperationExpired) EventName() EventName { return EventOperationExpired }

func (OperationExpired) AuthoritativeStatus() (Status, bool) { return StatusExpired, true }

type RateUpdated struct {
	Compra decimal.Decimal `json:"compra"`
	Venta  decimal.Decimal `json:"venta"`
}

func (RateUpdated) EventName() EventName { return EventRateUpdated }

type DocumentsApproved struct {
	DNI     string `json:"dni"`
	Message string `json:"message,omitempty"`
}

func (DocumentsApproved) EventName() EventName { return EventDocumentsApproved }

// UnknownEvent carries a name this client has no payload type for.
type UnknownEvent struct {
	Name EventName
	Raw  json.RawMessage
}

func (e UnknownEvent) EventName() EventName { return e.Name }

// DecodeEvent turns a named payload into its typed event.
func DecodeEvent(name EventName, data json.RawMessage) (Event, error) {
	var (
		ev  Event
		err error
	)

	switch name {
	case EventOperationStatusChanged:
		var e OperationStatusChanged
		err = unmarshalPayload(data, &e)
		ev = e
	case EventOperationCompleted:
		var e OperationCompleted
		err = unmarshalPayload(data, &e)
		ev = e
	case EventOperationCancelled:
		var e OperationCancelled
		err = unmarshalPayload(data, &e)
		ev = e
	case EventOperationExpired:
		var e OperationExpired
		err = unmarshalPayload(data, &e)
		ev = e
	case EventRateUpdated:
		var e RateUpdated
		err = unmarshalPayload(data, &e)
		ev = e
	case EventDocumentsApproved:
		var e DocumentsApproved
		err = unmarshalPayload(data, &e)
		ev = e
	default:
		return UnknownEvent{Name: name, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s payload", name)
	}

	return ev, nil
}

func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
