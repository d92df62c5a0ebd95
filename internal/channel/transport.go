package channel

import (
	"context"
	"encoding/json"

	"github.com/vadiminshakov/cambio/internal/domain"
)

// joinEvent asks the server to put this connection into the identity room.
const joinEvent domain.EventName = "join"

// Message is one named frame on the wire: {"event": "...", "data": {...}}.
type Message struct {
	Event domain.EventName `json:"event"`
	Data  json.RawMessage  `json:"data,omitempty"`
}

// Conn is an established bidirectional transport.
// ReadMessage is only called from one goroutine; WriteMessage must be safe for concurrent use.
type Conn interface {
	ReadMessage() (Message, error)
	WriteMessage(msg Message) error
	Close() error
}

// Dialer opens a new transport connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type joinPayload struct {
	DNI string `json:"dni"`
}
