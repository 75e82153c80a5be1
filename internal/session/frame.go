// ABOUTME: Wire frame types for the gateway websocket protocol.
// ABOUTME: Builds the connect and sendMessage request frames.

package session

import (
	"fmt"
	"time"
)

// frame is an outbound protocol frame. The gateway speaks JSON objects with a
// type discriminator; this client only ever emits requests.
type frame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// inboundFrame is the lenient parse of an inbound frame. Only the method
// matters to this client; every other field is ignored.
type inboundFrame struct {
	Method string `json:"method"`
}

// clientInfo identifies this client to the gateway. The values are static:
// they describe the relay, not the message being delivered.
type clientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Mode        string `json:"mode"`
	Platform    string `json:"platform"`
}

type connectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      clientInfo `json:"client"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
}

type sendMessageParams struct {
	Text string `json:"text"`
}

// connectFrame builds the handshake request. The correlation ID is derived
// from the current time so ids stay unique across sessions within one
// process lifetime.
func connectFrame(now time.Time) frame {
	return frame{
		Type:   "req",
		ID:     fmt.Sprintf("wa-connect-%d", now.UnixMilli()),
		Method: "connect",
		Params: connectParams{
			MinProtocol: 1,
			MaxProtocol: 1,
			Client: clientInfo{
				ID:          "whatsapp-hook",
				DisplayName: "WhatsApp",
				Version:     "1.0.0",
				Mode:        "webchat",
				Platform:    "web",
			},
			Role:   "operator",
			Scopes: []string{},
		},
	}
}

// sendMessageFrame builds the single delivery request of a session.
func sendMessageFrame(text string, now time.Time) frame {
	return frame{
		Type:   "req",
		ID:     fmt.Sprintf("wa-msg-%d", now.UnixMilli()),
		Method: "sendMessage",
		Params: sendMessageParams{Text: text},
	}
}
