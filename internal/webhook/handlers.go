// ABOUTME: HTTP handlers for the webhook and operator API endpoints
// ABOUTME: Verification handshake, notification ingest, health, attempts, send

package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// maxNotificationBodySize caps the POST /webhook body. Cloud API payloads are
// a few KB; anything near this limit is not a message notification.
const maxNotificationBodySize = 1 << 20

// SendRequest is the JSON request body for POST /api/send.
type SendRequest struct {
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text"`
}

// AttemptResponse is the JSON representation of one relay attempt.
type AttemptResponse struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	Preview    string `json:"preview"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// handleWebhook dispatches /webhook by method: GET is Meta's subscription
// verification handshake, POST carries notifications.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVerify(w, r)
	case http.MethodPost:
		s.handleNotification(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the subscription handshake. Meta sends hub.mode,
// hub.verify_token, and hub.challenge; echoing the challenge confirms the
// subscription.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")

	if mode != "subscribe" || token != s.config.Webhook.VerifyToken {
		s.logger.Warn("webhook verification rejected", "mode", mode, "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	s.logger.Info("webhook verification completed")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// handleNotification ingests a message notification. Once the request is
// authenticated the answer is always 200: Meta retries non-2xx responses,
// and a payload we cannot parse will not parse on redelivery either.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBodySize))
	if err != nil {
		s.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.config.Webhook.AppSecret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if err := verifySignature([]byte(s.config.Webhook.AppSecret), body, signature); err != nil {
			s.logger.Warn("webhook signature verification failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
			)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	var notification Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		s.logger.Warn("ignoring malformed webhook payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, msg := range extractTexts(&notification) {
		if msg.MessageID != "" && s.dedupe.Duplicate(msg.MessageID) {
			s.logger.Debug("duplicate message, ignoring", "message_id", msg.MessageID)
			continue
		}
		s.logger.Info("webhook message received",
			"message_id", msg.MessageID,
			"sender", msg.Sender,
		)
		s.relayAsync(msg)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAttempts handles GET /api/attempts requests. It returns the most
// recent relay attempts, newest first. Supports an optional ?limit=N.
func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.attempts == nil {
		s.sendJSONError(w, http.StatusNotFound, "attempt log disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	attempts, err := s.attempts.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list attempts", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		response = append(response, AttemptResponse{
			ID:         a.ID,
			Sender:     a.Sender,
			Preview:    a.Preview,
			Outcome:    a.Outcome,
			Error:      a.Error,
			DurationMs: a.Duration.Milliseconds(),
			CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleSend handles POST /api/send requests. It lets an operator push a
// message through the same relay path a webhook would take.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		s.sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Sender == "" {
		req.Sender = "operator"
	}

	messageID := "manual-" + uuid.New().String()
	s.relayAsync(InboundText{
		MessageID: messageID,
		Sender:    req.Sender,
		Text:      req.Text,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":     "accepted",
		"message_id": messageID,
	})
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
