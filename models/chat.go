// relaybot/models/chat.go
package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Membership status values reported by the chat platform.
const (
	MemberStatusLeft    = "left"
	MemberStatusMember  = "member"
	MemberStatusAdmin   = "admin"
	MemberStatusCreator = "creator"
)

// Sentinel errors for expected negative results from the platform.
var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("user is not a participant of the chat")
	ErrUserBlocked    = errors.New("bot is blocked by the user")
	ErrNotModified    = errors.New("message markup not modified")
)

// RateLimitedError is returned when the platform throttles a call and names
// how long to wait before retrying. It is never fatal: callers back off for
// RetryAfter and try again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by platform, retry after %s", e.RetryAfter)
}

// MessageHandle identifies a message the bot has sent.
type MessageHandle struct {
	ID int
}

// InlineButton is one button of an inline keyboard: either a URL button or a
// callback button, depending on which field is set.
type InlineButton struct {
	Text string
	URL  string
	Data string
}

// InlineKeyboard is a grid of inline buttons attached below a message.
type InlineKeyboard struct {
	Rows [][]InlineButton
}

// URLKeyboard builds a single-button keyboard pointing at a URL.
func URLKeyboard(text, url string) *InlineKeyboard {
	return &InlineKeyboard{Rows: [][]InlineButton{{{Text: text, URL: url}}}}
}

// CallbackKeyboard builds a single-button keyboard carrying callback data.
func CallbackKeyboard(text, data string) *InlineKeyboard {
	return &InlineKeyboard{Rows: [][]InlineButton{{{Text: text, Data: data}}}}
}

// ChatClient is the narrow view of the chat platform the core consumes. The
// production implementation lives in the telegram package; tests use fakes.
type ChatClient interface {
	// Connected reports whether the underlying client is ready for API calls.
	Connected() bool

	// ExportInviteLink revokes the previous invite link for the chat and
	// returns a fresh one. May return *RateLimitedError.
	ExportInviteLink(ctx context.Context, chatID int64) (string, error)

	// SendMessage sends text (HTML) with an optional inline keyboard and
	// returns a handle to the sent message. Returns ErrUserBlocked if the
	// recipient has blocked the bot.
	SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboard) (MessageHandle, error)

	// EditMessageMarkup replaces the inline keyboard of an existing message.
	// A nil markup clears the keyboard. Returns ErrNotModified when the edit
	// is a no-op.
	EditMessageMarkup(ctx context.Context, chatID int64, messageID int, markup *InlineKeyboard) error

	// GetMembershipStatus reports the user's membership status in a chat, or
	// ErrNotParticipant if the user has never joined.
	GetMembershipStatus(ctx context.Context, chatID, userID int64) (string, error)

	// AnswerCallback acknowledges a button press with a short notice.
	AnswerCallback(ctx context.Context, queryID int64, text string) error
}
