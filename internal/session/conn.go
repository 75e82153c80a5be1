// ABOUTME: Connection factory and websocket transport for gateway sessions.
// ABOUTME: Wraps gorilla/websocket behind small Conn/Dialer interfaces.

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 4 * time.Second
	writeTimeout            = 3 * time.Second
)

// Conn is a single message-framed connection to the gateway. Implementations
// must support one concurrent reader and serialize writes themselves.
type Conn interface {
	// ReadMessage blocks until the next inbound message or a read failure.
	// A remote close surfaces as a *websocket.CloseError-compatible error.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one text message.
	WriteMessage(data []byte) error

	// WriteClose sends a close control frame with the given code and reason.
	WriteClose(code int, reason string) error

	Close() error
}

// Dialer opens connections to the gateway. The production implementation
// performs the websocket upgrade handshake; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// GatewayURL builds the websocket target for a gateway at host:port. The
// bearer token, when present, is carried as a query parameter; an empty token
// produces a URL with no query string at all.
func GatewayURL(host string, port int, token string) string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/",
	}
	if token != "" {
		q := url.Values{}
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// wsDialer dials gateways over websocket.
type wsDialer struct {
	handshakeTimeout time.Duration
}

// NewDialer returns the production websocket dialer.
func NewDialer() Dialer {
	return &wsDialer{handshakeTimeout: defaultHandshakeTimeout}
}

func (d *wsDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("gateway dial failed: %w", err)
	}
	if conn == nil {
		return nil, errors.New("gateway dial returned no connection")
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn to the Conn interface. Writes are serialized
// because the session loop and close paths may interleave.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) WriteClose(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
