package models

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubChat is a minimal in-memory ChatClient for tracker tests.
type stubChat struct {
	mu sync.Mutex

	connected   bool
	nextID      int
	sent        []int64
	edits       map[int]string
	exportCount int
	exportErrs  []error
}

func newStubChat() *stubChat {
	return &stubChat{connected: true, edits: make(map[int]string)}
}

func (s *stubChat) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubChat) ExportInviteLink(ctx context.Context, chatID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.exportErrs) > 0 {
		err := s.exportErrs[0]
		s.exportErrs = s.exportErrs[1:]
		return "", err
	}
	s.exportCount++
	return fmt.Sprintf("https://t.me/+invite%d", s.exportCount), nil
}

func (s *stubChat) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboard) (MessageHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.sent = append(s.sent, chatID)
	return MessageHandle{ID: s.nextID}, nil
}

func (s *stubChat) EditMessageMarkup(ctx context.Context, chatID int64, messageID int, markup *InlineKeyboard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := ""
	if markup != nil {
		url = markup.Rows[0][0].URL
	}
	s.edits[messageID] = url
	return nil
}

func (s *stubChat) GetMembershipStatus(ctx context.Context, chatID, userID int64) (string, error) {
	return MemberStatusLeft, nil
}

func (s *stubChat) AnswerCallback(ctx context.Context, queryID int64, text string) error {
	return nil
}

func (s *stubChat) exports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exportCount
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker(t *testing.T, revokeTime time.Duration) (*InviteLinkTracker, *stubChat, *fakeClock) {
	t.Helper()
	ps, _ := newTestStore(t)
	chat := newStubChat()
	tr := NewInviteLinkTracker(chat, ps, -100200, revokeTime, testLogger())
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tr.now = clock.now
	return tr, chat, clock
}

func TestTrackerRevocationWindow(t *testing.T) {
	ctx := context.Background()
	// Configured 50s window plus the grace period: entries expire after 60s.
	tr, chat, clock := newTestTracker(t, 50*time.Second)

	if err := tr.doRevoke(ctx); err != nil {
		t.Fatal(err)
	}
	firstLink := tr.Get()
	if firstLink == "" {
		t.Fatal("Expected a link after the first rotation")
	}

	userA, userB := int64(1), int64(2)
	if err := tr.SendLink(ctx, userA, false); err != nil {
		t.Fatal(err)
	}
	clock.advance(61 * time.Second)
	if err := tr.SendLink(ctx, userB, true); err != nil {
		t.Fatal(err)
	}

	if err := tr.doRevoke(ctx); err != nil {
		t.Fatal(err)
	}
	secondLink := tr.Get()
	if secondLink == firstLink {
		t.Error("Rotation must produce a fresh link")
	}

	if _, ok := tr.Pending(userA); ok {
		t.Error("User past the revoke window must be dropped")
	}
	entryB, ok := tr.Pending(userB)
	if !ok {
		t.Fatal("User inside the revoke window must survive rotation")
	}
	if got := chat.edits[entryB.MessageID]; got != secondLink {
		t.Errorf("Survivor's button must point at the new link, got %q", got)
	}
	if _, edited := chat.edits[1]; edited {
		t.Error("Expired user's message must not be edited")
	}
}

func TestTrackerBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	tr, _, clock := newTestTracker(t, 50*time.Second)
	if err := tr.doRevoke(ctx); err != nil {
		t.Fatal(err)
	}

	userID := int64(7)
	if err := tr.SendLink(ctx, userID, false); err != nil {
		t.Fatal(err)
	}
	// Exactly at the window edge the entry survives; only strictly older
	// entries are dropped.
	clock.advance(60 * time.Second)
	if err := tr.doRevoke(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Pending(userID); !ok {
		t.Error("Entry exactly at the window edge must survive")
	}

	clock.advance(time.Nanosecond)
	if err := tr.doRevoke(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Pending(userID); ok {
		t.Error("Entry strictly past the window must be dropped")
	}
}

func TestTrackerRateLimitRetry(t *testing.T) {
	ctx := context.Background()
	tr, chat, _ := newTestTracker(t, 50*time.Second)
	chat.mu.Lock()
	chat.exportErrs = []error{&RateLimitedError{RetryAfter: 5 * time.Millisecond}}
	chat.mu.Unlock()

	start := time.Now()
	if err := tr.doRevoke(ctx); err != nil {
		t.Fatalf("Rotation should succeed after the throttle clears: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("Rotation should have waited out the throttle")
	}
	if tr.Get() == "" {
		t.Error("Expected a link after the retried rotation")
	}
}

func TestTrackerStartStop(t *testing.T) {
	tr, chat, _ := newTestTracker(t, 50*time.Second)
	tr.now = time.Now
	tr.tick = time.Millisecond

	done1 := tr.Start()
	done2 := tr.Start()
	if done1 != done2 {
		t.Error("Start must be idempotent and return the same completion channel")
	}

	// Initial rotation happens once; with nobody pending the loop stays quiet.
	deadline := time.Now().Add(time.Second)
	for chat.exports() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	if got := chat.exports(); got != 1 {
		t.Errorf("Expected exactly one rotation with no pending users, got %d", got)
	}

	tr.Stop()
	tr.Stop() // second call is a no-op
	if !tr.Join(time.Second) {
		t.Fatal("Tracker loop did not exit after Stop")
	}
	select {
	case <-done1:
	default:
		t.Error("Completion channel should be closed after the loop exits")
	}
}

func TestTrackerRotatesWhilePending(t *testing.T) {
	tr, chat, _ := newTestTracker(t, 50*time.Second)
	tr.now = time.Now
	tr.tick = time.Millisecond
	tr.revokeEvery = 5 * time.Millisecond

	tr.Start()
	defer func() {
		tr.Stop()
		if !tr.Join(time.Second) {
			t.Fatal("Tracker loop did not exit after Stop")
		}
	}()

	deadline := time.Now().Add(time.Second)
	for chat.exports() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := tr.SendLink(context.Background(), 42, false); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(time.Second)
	for chat.exports() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := chat.exports(); got < 3 {
		t.Errorf("Expected repeated rotations while a user is pending, got %d", got)
	}
}

func TestTrackerWaitsForConnection(t *testing.T) {
	tr, chat, _ := newTestTracker(t, 50*time.Second)
	tr.now = time.Now
	chat.mu.Lock()
	chat.connected = false
	chat.mu.Unlock()

	tr.Start()
	time.Sleep(20 * time.Millisecond)
	if got := chat.exports(); got != 0 {
		t.Errorf("No rotation should happen before the client connects, got %d", got)
	}

	chat.mu.Lock()
	chat.connected = true
	chat.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for chat.exports() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := chat.exports(); got == 0 {
		t.Error("Rotation should happen once the client connects")
	}

	tr.Stop()
	if !tr.Join(time.Second) {
		t.Fatal("Tracker loop did not exit after Stop")
	}
}
