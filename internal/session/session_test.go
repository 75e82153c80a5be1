// ABOUTME: Tests for the session state machine: handshake gating, single-send
// ABOUTME: guard, timeout and disconnect classification, frame contents.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastOptions keeps tests quick while preserving timeout ordering
// (linger << session timeout).
var fastOptions = Options{
	SessionTimeout: 500 * time.Millisecond,
	Linger:         30 * time.Millisecond,
}

type closeRecord struct {
	code   int
	reason string
}

// fakeConn is a scripted gateway connection. Inbound frames and read errors
// are queued by the test; writes and close frames are recorded.
type fakeConn struct {
	in      chan []byte
	readErr chan error

	mu     sync.Mutex
	writes [][]byte
	closes []closeRecord

	closedCh  chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 16),
		readErr:  make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	// Drain queued frames before surfacing a queued read error so scripted
	// sequences are consumed in order.
	select {
	case data := <-f.in:
		return data, nil
	default:
	}
	select {
	case data := <-f.in:
		return data, nil
	case err := <-f.readErr:
		return nil, err
	case <-f.closedCh:
		return nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) WriteClose(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, closeRecord{code: code, reason: reason})
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closedCh) })
	return nil
}

// sentMethods returns the method of every request frame written so far.
func (f *fakeConn) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var methods []string
	for _, data := range f.writes {
		var fr struct {
			Method string `json:"method"`
		}
		if json.Unmarshal(data, &fr) == nil {
			methods = append(methods, fr.Method)
		}
	}
	return methods
}

func (f *fakeConn) closeReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reasons []string
	for _, c := range f.closes {
		reasons = append(reasons, c.reason)
	}
	return reasons
}

type fakeDialer struct {
	conn Conn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(strings.Builder), &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(conn Conn) *Client {
	return NewClient("ws://gateway:9010/", &fakeDialer{conn: conn}, testLogger(), fastOptions)
}

func TestDeliverSendsAfterAck(t *testing.T) {
	conn := newFakeConn()
	conn.in <- []byte(`{"type":"res","method":"connect","id":"x"}`)

	start := time.Now()
	outcome, err := newTestClient(conn).Deliver(context.Background(), OutboundMessage{Sender: "Ada", Text: "hello"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, []string{"connect", "sendMessage"}, conn.sentMethods())
	assert.Equal(t, []string{"done"}, conn.closeReasons())
	// Resolves on linger expiry, well inside the safety window.
	assert.Less(t, elapsed, fastOptions.SessionTimeout)
}

func TestDeliverFrameContents(t *testing.T) {
	conn := newFakeConn()
	conn.in <- []byte(`{"method":"connect"}`)

	_, err := newTestClient(conn).Deliver(context.Background(), OutboundMessage{Sender: "Ada", Text: "the payload"})
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.writes, 2)

	var connect struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Method string `json:"method"`
		Params struct {
			MinProtocol int `json:"minProtocol"`
			MaxProtocol int `json:"maxProtocol"`
			Client      struct {
				ID          string `json:"id"`
				DisplayName string `json:"displayName"`
				Mode        string `json:"mode"`
				Platform    string `json:"platform"`
			} `json:"client"`
			Role   string   `json:"role"`
			Scopes []string `json:"scopes"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(conn.writes[0], &connect))
	assert.Equal(t, "req", connect.Type)
	assert.True(t, strings.HasPrefix(connect.ID, "wa-connect-"), "id %q", connect.ID)
	assert.Equal(t, "connect", connect.Method)
	assert.Equal(t, 1, connect.Params.MinProtocol)
	assert.Equal(t, 1, connect.Params.MaxProtocol)
	assert.Equal(t, "whatsapp-hook", connect.Params.Client.ID)
	assert.Equal(t, "WhatsApp", connect.Params.Client.DisplayName)
	assert.Equal(t, "webchat", connect.Params.Client.Mode)
	assert.Equal(t, "web", connect.Params.Client.Platform)
	assert.Equal(t, "operator", connect.Params.Role)
	assert.NotNil(t, connect.Params.Scopes)
	assert.Empty(t, connect.Params.Scopes)

	var send struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Method string `json:"method"`
		Params struct {
			Text string `json:"text"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(conn.writes[1], &send))
	assert.Equal(t, "req", send.Type)
	assert.True(t, strings.HasPrefix(send.ID, "wa-msg-"), "id %q", send.ID)
	assert.Equal(t, "sendMessage", send.Method)
	assert.Equal(t, "the payload", send.Params.Text)
}

func TestDeliverIgnoresNoiseBeforeAck(t *testing.T) {
	conn := newFakeConn()
	conn.in <- []byte(`not json at all`)
	conn.in <- []byte(`{"type":"event","event":"tick"}`)
	conn.in <- []byte(`{"method":"somethingElse"}`)
	conn.in <- []byte(`{"method":"connect"}`)

	outcome, err := newTestClient(conn).Deliver(context.Background(), OutboundMessage{Text: "hi"})

	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, []string{"connect", "sendMessage"}, conn.sentMethods())
}

func TestDeliverDuplicateAckSendsOnce(t *testing.T) {
	conn := newFakeConn()
	conn.in <- []byte(`{"method":"connect"}`)
	conn.in <- []byte(`{"method":"connect"}`)

	outcome, err := newTestClient(conn).Deliver(context.Background(), OutboundMessage{Text: "hi"})

	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, []string{"connect", "sendMessage"}, conn.sentMethods())
}

func TestDeliverNoAckTimesOut(t *testing.T) {
	conn := newFakeConn()

	start := time.Now()
	outcome, err := newTestClient(conn).Deliver(context.Background(), OutboundMessage{Text: "hi"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Equal(t, []string{"connect"}, conn.sentMethods(), "sendMessage must never precede the ack")
	assert.Equal(t, []string{"timeout"}, conn.closeReasons())
	assert.GreaterOrEqual(t, elapsed, fastOptions.SessionTimeout)
	assert.Less(t, elapsed, fastOptions.SessionTimeout+time.Second)
}

func TestDeliverRemoteCloseBeforeAck(t *testing.T) {
	conn := newFakeConn()
	conn.readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}

	start := time.Now()
	outcome, err := newTestClient(conn).Deliver(context.Background(), OutboundMessage{Text: "hi"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, OutcomeTransportError, outcome)
	assert.Equal(t, []string{"connect"}, conn.sentMethods())
	assert.Less(t, elapsed, fastOptions.SessionTimeout, "close must resolve immediately, not wait for timers")
}

func TestDeliverTransportError(t *testing.T) {
	conn := newFakeConn()
	conn.readErr <- errors.New("broken pipe")

	outcome, err := newTestClient(conn).Deliver(context.Background(), OutboundMessage{Text: "hi"})

	require.NoError(t, err)
	assert.Equal(t, OutcomeTransportError, outcome)
}

func TestDeliverRemoteCloseAfterSendIsDelivered(t *testing.T) {
	conn := newFakeConn()
	conn.in <- []byte(`{"method":"connect"}`)
	conn.readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}

	start := time.Now()
	outcome, err := newTestClient(conn).Deliver(context.Background(), OutboundMessage{Text: "hi"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, []string{"connect", "sendMessage"}, conn.sentMethods())
	// Remote close short-circuits the linger wait.
	assert.Less(t, elapsed, fastOptions.SessionTimeout)
}

func TestDeliverDialFailure(t *testing.T) {
	client := NewClient("ws://gateway:9010/", &fakeDialer{err: errors.New("connection refused")}, testLogger(), fastOptions)

	outcome, err := client.Deliver(context.Background(), OutboundMessage{Text: "hi"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, OutcomeGatewayUnavailable, outcome)
}

func TestDeliverContextCancelled(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := newTestClient(conn).Deliver(ctx, OutboundMessage{Text: "hi"})

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Equal(t, []string{"timeout"}, conn.closeReasons())
}

// TestDeliverResolvesOnceUnderRace races a remote close against a near-zero
// safety timeout. Whichever wins, Deliver must settle exactly once with one
// of the two matching outcomes. Deliver returning at all proves single
// resolution, so the assertion is on classification.
func TestDeliverResolvesOnceUnderRace(t *testing.T) {
	for i := 0; i < 25; i++ {
		conn := newFakeConn()
		conn.readErr <- errors.New("reset")
		client := NewClient("ws://gateway:9010/", &fakeDialer{conn: conn}, testLogger(), Options{
			SessionTimeout: time.Millisecond,
			Linger:         time.Millisecond,
		})

		outcome, err := client.Deliver(context.Background(), OutboundMessage{Text: "hi"})

		require.NoError(t, err)
		assert.Contains(t, []Outcome{OutcomeTimedOut, OutcomeTransportError}, outcome)
	}
}

func TestGatewayURL(t *testing.T) {
	assert.Equal(t, "ws://gateway.local:9010/?token=s3cret", GatewayURL("gateway.local", 9010, "s3cret"))
	assert.Equal(t, "ws://gateway.local:9010/", GatewayURL("gateway.local", 9010, ""),
		"absent token must leave no query artifact")
	assert.Equal(t, "ws://127.0.0.1:18789/?token=a%2Fb%3Dc", GatewayURL("127.0.0.1", 18789, "a/b=c"))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", OutcomeDelivered.String())
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
	assert.Equal(t, "transport_error", OutcomeTransportError.String())
	assert.Equal(t, "gateway_unavailable", OutcomeGatewayUnavailable.String())
}
