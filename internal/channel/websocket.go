package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
	maxMessageSize          = 1 << 20
)

// WebsocketDialer connects to the event server over a websocket.
type WebsocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
}

// NewWebsocketDialer creates a dialer; token, if set, is sent as a bearer Authorization header.
func NewWebsocketDialer(url, token string) *WebsocketDialer {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebsocketDialer{URL: url, Header: header, HandshakeTimeout: defaultHandshakeTimeout}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", d.URL, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", d.URL)
	}
	ws.SetReadLimit(maxMessageSize)

	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes writers
}

func (c *wsConn) ReadMessage() (Message, error) {
	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (c *wsConn) WriteMessage(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
