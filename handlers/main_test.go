package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relaybot/database"
	"relaybot/models"
)

const testTargetGroup = int64(-1001000)
const testStaffGroup = int64(-1002000)

const testProblemJSON = `{
	"version": 1,
	"max_retry": 2,
	"strip_chars": " ,.!?",
	"ticket_link": "https://t.me/example_support_bot",
	"welcome_msg": "Welcome! Answer the question below to join.",
	"try_again": "Wrong answer, please try again.",
	"max_retry_error": "You have used up your attempts. Contact support to continue.",
	"retry_locked": "No attempts left.",
	"success_msg": "Your ticket was resolved. Tap the button to join.",
	"join_group_msg": "Correct! Tap the button to join.",
	"sample_problem": {"Q": "What is 1+1?", "A": "2"},
	"problems": [
		{"Q": "What color is the sky at noon?", "A": "blue"},
		{"Q": "Type any number.", "A": "^[0-9]+$", "use_regex": true}
	]
}`

// --- Fakes ---

type sentMessage struct {
	ChatID int64
	Text   string
	Markup *models.InlineKeyboard
	ID     int
}

type markupEdit struct {
	ChatID    int64
	MessageID int
	Markup    *models.InlineKeyboard
}

// fakeChat is a scriptable in-memory models.ChatClient.
type fakeChat struct {
	mu sync.Mutex

	connected  bool
	nextID     int
	sent       []sentMessage
	edits      []markupEdit
	answered   []string
	membership map[int64]string
	blocked    map[int64]bool

	links       []string
	exportCount int
	exportErrs  []error
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		connected:  true,
		membership: make(map[int64]string),
		blocked:    make(map[int64]bool),
	}
}

func (f *fakeChat) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChat) ExportInviteLink(ctx context.Context, chatID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.exportErrs) > 0 {
		err := f.exportErrs[0]
		f.exportErrs = f.exportErrs[1:]
		return "", err
	}
	f.exportCount++
	link := fmt.Sprintf("https://t.me/+invite%d", f.exportCount)
	f.links = append(f.links, link)
	return link, nil
}

func (f *fakeChat) SendMessage(ctx context.Context, chatID int64, text string, markup *models.InlineKeyboard) (models.MessageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked[chatID] {
		return models.MessageHandle{}, fmt.Errorf("RPC error: %w", models.ErrUserBlocked)
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, Markup: markup, ID: f.nextID})
	return models.MessageHandle{ID: f.nextID}, nil
}

func (f *fakeChat) EditMessageMarkup(ctx context.Context, chatID int64, messageID int, markup *models.InlineKeyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, markupEdit{ChatID: chatID, MessageID: messageID, Markup: markup})
	return nil
}

func (f *fakeChat) GetMembershipStatus(ctx context.Context, chatID, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.membership[userID]
	if !ok {
		return "", fmt.Errorf("RPC error: %w", models.ErrNotParticipant)
	}
	return status, nil
}

func (f *fakeChat) AnswerCallback(ctx context.Context, queryID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, text)
	return nil
}

func (f *fakeChat) sentTo(chatID int64) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeChat) lastSentTo(chatID int64) (sentMessage, bool) {
	msgs := f.sentTo(chatID)
	if len(msgs) == 0 {
		return sentMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

// fakeKV is an in-process models.KVStore.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) MSet(ctx context.Context, pairs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range pairs {
		f.data[k] = v
	}
	return nil
}

func (f *fakeKV) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", fmt.Errorf("key %s: %w", key, models.ErrNotFound)
	}
	return v, nil
}

func (f *fakeKV) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeKV) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

// MockApplication holds dependencies for handler tests.
type MockApplication struct {
	db       *database.DatabaseService
	problems *models.ProblemStore
	tracker  *models.InviteLinkTracker
	chat     *fakeChat
	flood    *models.FloodLimiter
	logger   *slog.Logger
}

func (a *MockApplication) DB() *database.DatabaseService      { return a.db }
func (a *MockApplication) Problems() *models.ProblemStore     { return a.problems }
func (a *MockApplication) Tracker() *models.InviteLinkTracker { return a.tracker }
func (a *MockApplication) Chat() models.ChatClient            { return a.chat }
func (a *MockApplication) Flood() *models.FloodLimiter        { return a.flood }
func (a *MockApplication) Logger() *slog.Logger               { return a.logger }
func (a *MockApplication) TargetGroup() int64                 { return testTargetGroup }
func (a *MockApplication) StaffGroup() int64                  { return testStaffGroup }

// setupTestApp creates a full application stack with a test database and fake
// chat client for integration testing.
func setupTestApp(t *testing.T) *MockApplication {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	dbDir, err := os.MkdirTemp("", "relaybot_test_db_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir for test DB: %v", err)
	}
	dbPath := filepath.Join(dbDir, "test.db?mode=memory&cache=shared&_journal_mode=WAL&_foreign_keys=on")
	dbService, err := database.InitDB(dbPath, logger)
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	chat := newFakeChat()
	problems, err := models.NewProblemStore(context.Background(), []byte(testProblemJSON), newFakeKV(), logger)
	if err != nil {
		t.Fatalf("Failed to load test problem set: %v", err)
	}
	tracker := models.NewInviteLinkTracker(chat, problems, testTargetGroup, 50*time.Second, logger)

	app := &MockApplication{
		db:       dbService,
		problems: problems,
		tracker:  tracker,
		chat:     chat,
		flood:    models.NewFloodLimiter(time.Millisecond, 1000, time.Hour, 24*time.Hour),
		logger:   logger,
	}

	t.Cleanup(func() {
		app.db.DB.Close()
		os.RemoveAll(dbDir)
	})

	return app
}
