// relaybot/models/tracker.go
package models

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"relaybot/config"
)

// InviteLinkTracker owns the single current invite link for the target group.
// A background loop rotates the link whenever users are waiting on it and more
// than config.RevokeInterval has passed since the last rotation; users who were
// sent a link longer than the revoke window ago are dropped from tracking,
// while the rest get their message's button refreshed to the new link.
type InviteLinkTracker struct {
	client ChatClient
	chatID int64
	logger *slog.Logger

	revokeTime time.Duration // configured window + config.RevokeGrace
	successMsg string        // post-ticket-resolution wording
	joinMsg    string        // post-quiz-pass wording

	mu             sync.Mutex
	users          map[int64]UserTracker
	currentLink    string
	lastRevokeTime time.Time

	tick        time.Duration
	revokeEvery time.Duration
	now         func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewInviteLinkTracker builds a tracker for chatID. revokeTime is the
// configured revoke window; the grace period is added here.
func NewInviteLinkTracker(client ChatClient, ps *ProblemStore, chatID int64, revokeTime time.Duration, logger *slog.Logger) *InviteLinkTracker {
	msgs := ps.Messages()
	return &InviteLinkTracker{
		client:      client,
		chatID:      chatID,
		logger:      logger.With("component", "invite_tracker"),
		revokeTime:  revokeTime + config.RevokeGrace,
		successMsg:  msgs.Success,
		joinMsg:     msgs.JoinGroup,
		users:       make(map[int64]UserTracker),
		tick:        config.TrackerTick,
		revokeEvery: config.RevokeInterval,
		now:         time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the background loop. Idempotent: every call returns the same
// completion channel and only the first spawns the loop.
func (t *InviteLinkTracker) Start() <-chan struct{} {
	t.startOnce.Do(func() {
		go t.run()
	})
	return t.done
}

// Stop requests a cooperative shutdown of the background loop.
func (t *InviteLinkTracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

// Join waits up to timeout for the loop to exit and reports whether it did.
func (t *InviteLinkTracker) Join(timeout time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Get returns the latest link snapshot.
func (t *InviteLinkTracker) Get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentLink
}

// PendingCount reports how many users are currently tracked against the link.
func (t *InviteLinkTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// Pending looks up the tracking entry for a user.
func (t *InviteLinkTracker) Pending(userID int64) (UserTracker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ut, ok := t.users[userID]
	return ut, ok
}

// LastRevoke returns when the link was last rotated.
func (t *InviteLinkTracker) LastRevoke() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRevokeTime
}

// SendLink delivers the join message with a link button to userID and
// registers the sent message for markup refreshes until the revoke window
// closes. fromTicket selects the post-ticket wording.
func (t *InviteLinkTracker) SendLink(ctx context.Context, userID int64, fromTicket bool) error {
	text := t.joinMsg
	if fromTicket {
		text = t.successMsg
	}
	handle, err := t.client.SendMessage(ctx, userID, text, t.keyboard())
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.users[userID] = UserTracker{MessageID: handle.ID, SentAt: t.now()}
	t.mu.Unlock()
	return nil
}

func (t *InviteLinkTracker) keyboard() *InlineKeyboard {
	return URLKeyboard("Join group", t.Get())
}

// doRevoke invalidates the previous link, obtains a new one (waiting out any
// platform throttling), expires stale pending users, and refreshes everyone
// else's button to the new link.
func (t *InviteLinkTracker) doRevoke(ctx context.Context) error {
	for {
		link, err := t.client.ExportInviteLink(ctx, t.chatID)
		if err == nil {
			t.mu.Lock()
			t.currentLink = link
			t.mu.Unlock()
			break
		}
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			t.logger.Warn("Link export throttled, pausing", "retry_after", rl.RetryAfter)
			select {
			case <-time.After(rl.RetryAfter):
				continue
			case <-t.stop:
				return err
			}
		}
		return err
	}

	t.revokeUsers(ctx)

	t.mu.Lock()
	t.lastRevokeTime = t.now()
	t.mu.Unlock()
	return nil
}

// revokeUsers drops tracking entries older than the revoke window and points
// the surviving messages' buttons at the just-rotated link. Edits are
// fire-and-forget: one failed edit never blocks the rest.
func (t *InviteLinkTracker) revokeUsers(ctx context.Context) {
	type refresh struct {
		userID    int64
		messageID int
	}

	t.mu.Lock()
	current := t.now()
	var survivors []refresh
	for userID, ut := range t.users {
		if current.Sub(ut.SentAt) > t.revokeTime {
			delete(t.users, userID)
		} else {
			survivors = append(survivors, refresh{userID, ut.MessageID})
		}
	}
	t.mu.Unlock()

	kb := t.keyboard()
	for _, s := range survivors {
		if err := t.client.EditMessageMarkup(ctx, s.userID, s.messageID, kb); err != nil && !errors.Is(err, ErrNotModified) {
			t.logger.Warn("Failed to refresh link button", "user_id", s.userID, "message_id", s.messageID, "error", err)
		}
	}
}

// run is the background loop: wait for connectivity, rotate once, then check
// every tick whether a rotation is due. A failing iteration is logged and the
// loop continues; only Stop ends it.
func (t *InviteLinkTracker) run() {
	defer close(t.done)

	ctx := context.Background()
	for !t.client.Connected() {
		select {
		case <-t.stop:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := t.doRevoke(ctx); err != nil {
		t.logger.Error("Initial link rotation failed", "error", err)
	}

	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if t.PendingCount() == 0 {
				continue
			}
			if t.now().Sub(t.LastRevoke()) <= t.revokeEvery {
				continue
			}
			if err := t.doRevoke(ctx); err != nil {
				t.logger.Error("Link rotation failed", "error", err)
			}
		}
	}
}
