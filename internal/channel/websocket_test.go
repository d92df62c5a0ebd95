package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
)

func TestWebsocketJoinAndDelivery(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joined := make(chan string, 1)
	auth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var msg Message
		if err := ws.ReadJSON(&msg); err != nil || msg.Event != joinEvent {
			return
		}
		var p joinPayload
		_ = json.Unmarshal(msg.Data, &p)
		joined <- p.DNI

		data, _ := json.Marshal(map[string]any{
			"operation_id":   42,
			"operation_code": "OP-42",
			"status":         "Completada",
		})
		_ = ws.WriteJSON(Message{Event: domain.EventOperationStatusChanged, Data: data})

		// hold the connection until the client goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(NewWebsocketDialer(url, "secret"), zap.NewNop(), Options{ReconnectAttempts: 1, ReconnectDelay: time.Millisecond})
	defer c.Close()

	got := make(chan domain.OperationStatusChanged, 1)
	c.On(domain.EventOperationStatusChanged, func(ev domain.Event) {
		got <- ev.(domain.OperationStatusChanged)
	})

	require.NoError(t, c.Connect(context.Background(), "44556677"))

	select {
	case header := <-auth:
		assert.Equal(t, "Bearer secret", header)
	case <-time.After(waitFor):
		t.Fatal("no handshake")
	}

	select {
	case dni := <-joined:
		assert.Equal(t, "44556677", dni)
	case <-time.After(waitFor):
		t.Fatal("no join received")
	}

	select {
	case ev := <-got:
		assert.Equal(t, int64(42), ev.OperationID)
		assert.Equal(t, "OP-42", ev.OperationCode)
		assert.Equal(t, domain.StatusCompleted, ev.Status)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewWebsocketDialer("ws"+strings.TrimPrefix(srv.URL, "http"), "")
	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}
