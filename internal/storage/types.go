package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates an optimistic concurrency failure: the record was
	// written by someone else since it was read.
	ErrConflict = errors.New("version conflict")

	// ErrInsufficientFunds indicates a debit larger than the current balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// LedgerEntry is one row of a user's points history.
type LedgerEntry struct {
	ID        int64
	UserID    string
	Kind      string // "credit" or "debit"
	Points    int
	Reason    string
	CreatedAt time.Time
}

// Ledger reasons recorded by the turn pipeline.
const (
	ReasonImageGeneration = "image_generation"
	ReasonGoalCompletion  = "goal_completion"
)

// SnapshotContent strips roleplay *actions* and quotes from a reply so the
// conversation list shows plain text.
func SnapshotContent(content string) string {
	var b strings.Builder
	inAction := false
	for _, r := range content {
		switch {
		case r == '*':
			inAction = !inAction
		case inAction:
		case r == '"':
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
