// ABOUTME: Single-shot gateway session state machine with timeout management.
// ABOUTME: Handshake, one sendMessage, linger, deterministic teardown.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultSessionTimeout bounds a whole session: a gateway that never
	// acknowledges the handshake cannot hold the relay open past this.
	DefaultSessionTimeout = 10 * time.Second

	// DefaultLinger is how long the connection stays open after the message
	// is written, giving the gateway time to drain the socket before close.
	DefaultLinger = 2 * time.Second

	closeReasonDone    = "done"
	closeReasonTimeout = "timeout"
)

// ErrGatewayUnavailable reports that no usable connection to the gateway
// could be established. It is the only session failure that propagates as an
// error; every other failure mode degrades to a logged Outcome.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// Outcome classifies how a session resolved. Exactly one outcome is produced
// per session.
type Outcome int

const (
	// OutcomeDelivered means the sendMessage frame was written to the
	// gateway. The protocol defines no delivery acknowledgement for it, so
	// this is the strongest claim a session can make.
	OutcomeDelivered Outcome = iota

	// OutcomeTimedOut means the safety timeout fired before the gateway
	// acknowledged the handshake. No message was sent.
	OutcomeTimedOut

	// OutcomeTransportError means the connection failed or was closed by the
	// remote before the message could be sent.
	OutcomeTransportError

	// OutcomeGatewayUnavailable means the connection was never established.
	OutcomeGatewayUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeGatewayUnavailable:
		return "gateway_unavailable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OutboundMessage is the text payload a session delivers. The sender label is
// carried for logging only; the gateway receives just the text.
type OutboundMessage struct {
	Sender string
	Text   string
}

// Options tune session timing. Zero values select the defaults.
type Options struct {
	SessionTimeout time.Duration
	Linger         time.Duration
}

// Client delivers messages to one gateway, one session per call. A Client is
// safe for concurrent use; sessions share nothing but configuration.
type Client struct {
	url            string
	dialer         Dialer
	logger         *slog.Logger
	sessionTimeout time.Duration
	linger         time.Duration
}

// NewClient creates a session client for the gateway at url.
func NewClient(url string, dialer Dialer, logger *slog.Logger, opts Options) *Client {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Linger <= 0 {
		opts.Linger = DefaultLinger
	}
	return &Client{
		url:            url,
		dialer:         dialer,
		logger:         logger.With("component", "session"),
		sessionTimeout: opts.SessionTimeout,
		linger:         opts.Linger,
	}
}

// sessionState tracks where the session is in its lifecycle. Closed is
// implicit: reaching it means returning from the event loop.
type sessionState int

const (
	stateAwaitingAck sessionState = iota
	stateLingering
)

// connEvent is one occurrence on the connection: either an inbound message
// or a read failure (which includes remote close).
type connEvent struct {
	data []byte
	err  error
}

// Deliver runs one session: dial, handshake, send msg, linger, close. It
// returns the session outcome; the error is non-nil only when the connection
// could not be established (wrapping ErrGatewayUnavailable); all other
// failures resolve silently with a classifying outcome.
func (c *Client) Deliver(ctx context.Context, msg OutboundMessage) (Outcome, error) {
	log := c.logger.With("sender", msg.Sender)

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return OutcomeGatewayUnavailable, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer conn.Close()

	if err := writeFrame(conn, connectFrame(time.Now())); err != nil {
		log.Warn("connect frame write failed", "error", err)
		return OutcomeTransportError, nil
	}

	// The read pump feeds every inbound message and the terminal read error
	// into one channel; the loop below is the sole consumer, so terminal
	// resolution is exactly-once by construction.
	events := make(chan connEvent)
	done := make(chan struct{})
	defer close(done)
	go readPump(conn, events, done)

	safety := time.NewTimer(c.sessionTimeout)
	defer safety.Stop()

	// Armed only after the message is sent.
	var lingerTimer *time.Timer
	var lingerC <-chan time.Time
	defer func() {
		if lingerTimer != nil {
			lingerTimer.Stop()
		}
	}()

	state := stateAwaitingAck
	messageSent := false

	for {
		select {
		case ev := <-events:
			if ev.err != nil {
				return resolveDisconnect(log, ev.err, messageSent), nil
			}
			var in inboundFrame
			if err := json.Unmarshal(ev.data, &in); err != nil {
				// Protocol noise; not an error.
				log.Debug("ignoring unparseable frame")
				continue
			}
			if state != stateAwaitingAck || in.Method != "connect" || messageSent {
				continue
			}
			if err := writeFrame(conn, sendMessageFrame(msg.Text, time.Now())); err != nil {
				log.Warn("sendMessage write failed", "error", err)
				return OutcomeTransportError, nil
			}
			messageSent = true
			state = stateLingering
			lingerTimer = time.NewTimer(c.linger)
			lingerC = lingerTimer.C

		case <-lingerC:
			_ = conn.WriteClose(websocket.CloseNormalClosure, closeReasonDone)
			log.Info("message delivered to gateway")
			return OutcomeDelivered, nil

		case <-safety.C:
			_ = conn.WriteClose(websocket.CloseNormalClosure, closeReasonTimeout)
			return resolveTimeout(log, messageSent), nil

		case <-ctx.Done():
			_ = conn.WriteClose(websocket.CloseNormalClosure, closeReasonTimeout)
			return resolveTimeout(log, messageSent), nil
		}
	}
}

// resolveTimeout classifies a safety-timeout (or caller cancellation)
// resolution. A message that was already written counts as delivered; the
// timeout only cut the linger short.
func resolveTimeout(log *slog.Logger, messageSent bool) Outcome {
	if messageSent {
		log.Info("session timeout during linger; message already sent")
		return OutcomeDelivered
	}
	log.Warn("gateway never acknowledged handshake; closing session")
	return OutcomeTimedOut
}

// resolveDisconnect classifies a read-side termination: remote close or
// transport error. Either way the session resolves immediately.
func resolveDisconnect(log *slog.Logger, err error, messageSent bool) Outcome {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		log.Debug("gateway closed connection", "code", ce.Code)
	} else {
		log.Warn("gateway transport error", "error", err)
	}
	if messageSent {
		return OutcomeDelivered
	}
	return OutcomeTransportError
}

// readPump forwards inbound messages until the first read failure, then
// delivers that failure and exits. Closing done releases the pump if the
// session has already resolved.
func readPump(conn Conn, events chan<- connEvent, done <-chan struct{}) {
	for {
		data, err := conn.ReadMessage()
		ev := connEvent{data: data, err: err}
		select {
		case events <- ev:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func writeFrame(conn Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling %s frame: %w", f.Method, err)
	}
	return conn.WriteMessage(data)
}
