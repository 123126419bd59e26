package reactsync

import (
	"errors"
	"fmt"
)

var (
	ErrDestroyed     = errors.New("reaction state manager destroyed")
	ErrInvalidEntity = errors.New("entity id is required")
	ErrBindingClosed = errors.New("reaction binding closed")
)

// WriteError is returned by UpdateReaction when the authority rejects or
// fails a write. The optimistic state has already been rolled back.
//
// Attempts counts consecutive failures for the entity; callers decide
// whether to offer a retry. Nothing is retried automatically.
type WriteError struct {
	EntityID     string
	ReactionType string
	Attempts     int
	MaxAttempts  int
	Err          error
}

func (e *WriteError) Error() string {
	if e == nil {
		return ""
	}
	action := "remove reaction"
	if e.ReactionType != "" {
		action = fmt.Sprintf("set reaction %q", e.ReactionType)
	}
	return fmt.Sprintf("%s on %s (attempt %d/%d): %v", action, e.EntityID, e.Attempts, e.MaxAttempts, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller still has retry budget left.
func (e *WriteError) Retryable() bool {
	return e.Attempts < e.MaxAttempts
}
