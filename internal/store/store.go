// ABOUTME: Relay attempt log types and the AttemptStore interface.
// ABOUTME: Audit trail of delivery outcomes; never used for redelivery.

package store

import (
	"context"
	"time"
)

// Attempt records one relay attempt and how its session resolved. The log is
// observational: nothing reads it to retry delivery.
type Attempt struct {
	ID        string
	Sender    string
	Preview   string
	Outcome   string
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// AttemptStore persists relay attempts.
type AttemptStore interface {
	Record(ctx context.Context, a *Attempt) error
	Recent(ctx context.Context, limit int) ([]*Attempt, error)
	Close() error
}
