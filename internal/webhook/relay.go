// ABOUTME: Fire-and-forget relay from webhook ingest to gateway sessions
// ABOUTME: Runs one bounded session per message and records the attempt

package webhook

import (
	"context"
	"time"

	"github.com/2389/whatsapp-hook/internal/session"
	"github.com/2389/whatsapp-hook/internal/store"
)

// previewLimit caps the message text stored in the attempt log.
const previewLimit = 120

// relayAsync hands one message to a background gateway session. The caller
// has already acknowledged the webhook; the session's outcome surfaces only
// through logs and the attempt log.
func (s *Server) relayAsync(msg InboundText) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.relayBudget)
		defer cancel()

		start := time.Now()
		outcome, err := s.relay.Deliver(ctx, session.OutboundMessage{
			Sender: msg.Sender,
			Text:   msg.Text,
		})
		elapsed := time.Since(start)

		log := s.logger.With(
			"message_id", msg.MessageID,
			"sender", msg.Sender,
			"outcome", outcome.String(),
			"duration", elapsed.Round(time.Millisecond),
		)
		if err != nil {
			log.Warn("relay session failed", "error", err)
		} else {
			log.Info("relay session resolved")
		}

		s.recordAttempt(msg, outcome, err, elapsed)
	}()
}

// recordAttempt writes one attempt log row. Best effort: a failed write is
// logged and dropped, it must never affect webhook handling.
func (s *Server) recordAttempt(msg InboundText, outcome session.Outcome, deliverErr error, elapsed time.Duration) {
	if s.attempts == nil {
		return
	}

	attempt := &store.Attempt{
		ID:       msg.MessageID,
		Sender:   msg.Sender,
		Preview:  truncate(msg.Text, previewLimit),
		Outcome:  outcome.String(),
		Duration: elapsed,
	}
	if deliverErr != nil {
		attempt.Error = deliverErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.logger.Error("failed to record relay attempt", "message_id", msg.MessageID, "error", err)
	}
}

// truncate shortens s to at most limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}
