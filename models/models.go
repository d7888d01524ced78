// relaybot/models/models.go
package models

import "time"

// --- Core Data Models ---

// Problem is a single quiz entry. Immutable once loaded.
type Problem struct {
	Index    int
	Question string
	Answer   string
	UseRegex bool
}

// ExamSession is one row of the exam_user_session table, keyed by user ID.
type ExamSession struct {
	UserID         int64
	ProblemID      int
	ProblemVersion int
	Retries        int
	Passed         bool
	Bypass         bool
	Banned         bool
	Unlimited      bool
	CreatedAt      time.Time
}

// SessionState is the resolved state of a session. The flag columns stay
// independent in the database so moderator overrides remain single-column
// updates, but all control flow goes through State() so the precedence between
// overlapping flags is decided in exactly one place.
type SessionState int

const (
	StateActive SessionState = iota
	StatePassed
	StateBypassed
	StateBanned
)

// State resolves the flag columns with precedence banned > bypass > passed.
func (s *ExamSession) State() SessionState {
	switch {
	case s.Banned:
		return StateBanned
	case s.Bypass:
		return StateBypassed
	case s.Passed:
		return StatePassed
	default:
		return StateActive
	}
}

// UserTracker is the in-memory bookkeeping for one pending invite: the message
// the link button was attached to, and when it was sent. Not persisted; lost on
// restart, which only loses the markup-refresh bookkeeping.
type UserTracker struct {
	MessageID int
	SentAt    time.Time
}

// CallbackQuery is the slice of a button-press event the core needs.
type CallbackQuery struct {
	ID        int64
	UserID    int64
	ChatID    int64
	MessageID int
	Data      string
}
