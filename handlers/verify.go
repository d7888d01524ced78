// relaybot/handlers/verify.go
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"relaybot/config"
	"relaybot/database"
	"relaybot/models"
	"relaybot/utils"
)

// App is an interface that defines the dependencies our handlers need.
type App interface {
	DB() *database.DatabaseService
	Problems() *models.ProblemStore
	Tracker() *models.InviteLinkTracker
	Chat() models.ChatClient
	Flood() *models.FloodLimiter
	Logger() *slog.Logger
	TargetGroup() int64
	StaffGroup() int64
}

// Fixed replies; the quiz copy itself comes from the problem set file.
const (
	msgAlreadyInGroup    = "You are already in the group."
	msgAlreadyAnswered   = "You have already answered the question."
	msgSessionActive     = "An existing session is currently active."
	msgTemporarilyUnable = "Due to privacy settings, you are temporarily unable to join the group."
	msgStaleProblemSet   = "The problem set has been updated since your session started. Please send /start newbie to request a new problem."
	msgLinkSent          = "The invitation link has been sent."
	msgTryLater          = "Please try again later."
	msgSlowDown          = "You are sending messages too fast. Please try again later."

	startCommand  = "/start newbie"
	readyCallback = "iamready"
	commandPrefix = "/"
)

// VerifyService drives the join-verification quiz for private-chat users.
type VerifyService struct {
	app App

	// userLocks serializes answer processing per user so two concurrent
	// submissions cannot both read retries = N and both write N+1.
	lockMu    sync.Mutex
	userLocks map[int64]*sync.Mutex
}

// NewVerifyService builds the quiz handler around the application's services.
func NewVerifyService(app App) *VerifyService {
	return &VerifyService{
		app:       app,
		userLocks: make(map[int64]*sync.Mutex),
	}
}

func (v *VerifyService) userLock(userID int64) *sync.Mutex {
	v.lockMu.Lock()
	defer v.lockMu.Unlock()
	mu, ok := v.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		v.userLocks[userID] = mu
	}
	return mu
}

// HandlePrivateMessage is the entry point for private-chat text messages from
// unverified users. Failures are contained here: nothing escapes to the
// dispatch loop.
func (v *VerifyService) HandlePrivateMessage(ctx context.Context, userID int64, text string) {
	logger := v.app.Logger().With("handler", "HandlePrivateMessage", "user_id", userID)

	if !v.app.Flood().Allow(userID) {
		if v.app.Flood().ShouldWarn(userID) {
			v.reply(ctx, userID, msgSlowDown)
		}
		logger.Info("Dropped flooding message")
		return
	}

	// Other commands belong to the surrounding bot layer.
	if len(text) > 0 && text[:1] == commandPrefix && text != startCommand {
		return
	}

	var err error
	if text == startCommand {
		err = v.handleStart(ctx, userID)
	} else {
		err = v.handleAnswer(ctx, userID, text)
	}
	if err == nil {
		return
	}
	if errors.Is(err, models.ErrUserBlocked) {
		logger.Info("Bot is blocked by user")
		v.reportToStaff(ctx, fmt.Sprintf("The bot is blocked by user %d.", userID))
		return
	}
	logger.Error("Failed to process private message", "error", err)
	v.reportToStaff(ctx, fmt.Sprintf("Verification handler failed for user %d: %v", userID, err))
}

// handleStart processes "/start newbie": refuses existing members, branches on
// an existing session's state, or issues a fresh problem.
func (v *VerifyService) handleStart(ctx context.Context, userID int64) error {
	status, err := v.app.Chat().GetMembershipStatus(ctx, v.app.TargetGroup(), userID)
	switch {
	case err == nil:
		if status != models.MemberStatusLeft {
			v.reply(ctx, userID, msgAlreadyInGroup)
			return nil
		}
	case errors.Is(err, models.ErrNotParticipant):
		// Expected for new users.
	default:
		// Membership lookup failures are not fatal to the quiz flow.
		v.app.Logger().Warn("Membership pre-check failed", "user_id", userID, "error", err)
	}

	session, err := v.app.DB().GetExamSession(userID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}

	if session != nil {
		switch session.State() {
		case models.StateBypassed:
			return v.app.Tracker().SendLink(ctx, userID, true)
		case models.StatePassed:
			v.reply(ctx, userID, msgAlreadyAnswered)
		case models.StateBanned:
			v.reply(ctx, userID, msgTemporarilyUnable)
		default:
			// No reroll: the assigned problem stands.
			v.reply(ctx, userID, msgSessionActive)
		}
		return nil
	}

	return v.issueProblem(ctx, userID)
}

// issueProblem assigns a random problem, records the session, and sends the
// welcome sequence.
func (v *VerifyService) issueProblem(ctx context.Context, userID int64) error {
	ps := v.app.Problems()
	index := ps.GetRandomIndex()
	if err := v.app.DB().CreateExamSession(userID, index, ps.Version()); err != nil {
		return err
	}

	var welcomeKb *models.InlineKeyboard
	if link := ps.TicketLink(); link != "" {
		welcomeKb = models.URLKeyboard("I need help.", link)
	}
	if _, err := v.app.Chat().SendMessage(ctx, userID, ps.Messages().Welcome, welcomeKb); err != nil {
		return err
	}

	if sample := ps.Sample(); sample != nil {
		text := fmt.Sprintf("For example:\n<b>Q:</b> <code>%s</code>\n<b>A:</b> <code>%s</code>", sample.Q, sample.A)
		if _, err := v.app.Chat().SendMessage(ctx, userID, text, nil); err != nil {
			return err
		}
	}

	problem, err := ps.Get(ctx, index)
	if err != nil {
		return err
	}
	_, err = v.app.Chat().SendMessage(ctx, userID, problem.Question, nil)
	return err
}

// handleAnswer grades one answer attempt. All mutation happens under the
// per-user lock, and the session row is re-read inside it.
func (v *VerifyService) handleAnswer(ctx context.Context, userID int64, text string) error {
	mu := v.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	session, err := v.app.DB().GetExamSession(userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Stray text from a user with no session; nothing to grade.
			return nil
		}
		return err
	}

	switch session.State() {
	case models.StatePassed, models.StateBanned:
		return nil
	}

	ps := v.app.Problems()
	if session.ProblemVersion != ps.Version() {
		v.reply(ctx, userID, msgStaleProblemSet)
		return nil
	}

	if session.Unlimited || session.Retries <= ps.MaxRetry() {
		correct, err := ps.Check(ctx, session.ProblemID, text)
		if err != nil {
			return err
		}
		if correct {
			if err := v.app.DB().SetPassed(userID); err != nil {
				return err
			}
			return v.deliverLink(ctx, userID)
		}
	}

	// A bypass grant is an automatic pass whenever grading did not succeed,
	// inside or outside the retry budget.
	if session.State() == models.StateBypassed {
		if err := v.app.DB().SetPassed(userID); err != nil {
			return err
		}
		return v.deliverLink(ctx, userID)
	}

	return v.recordWrongAnswer(ctx, session, text)
}

// recordWrongAnswer bumps the retry counter, picks the right nudge, and logs
// the attempt for moderator review.
func (v *VerifyService) recordWrongAnswer(ctx context.Context, session *models.ExamSession, text string) error {
	msgs := v.app.Problems().Messages()
	maxRetry := v.app.Problems().MaxRetry()

	session.Retries++
	switch {
	case session.Retries == maxRetry+1:
		// First crossing of the budget gets the full explanation.
		v.reply(ctx, session.UserID, msgs.MaxRetryError)
	case session.Retries > maxRetry:
		v.reply(ctx, session.UserID, msgs.RetryLocked)
	default:
		v.reply(ctx, session.UserID, msgs.TryAgain)
	}

	if err := v.app.DB().InsertAnswerHistory(session.UserID, utils.Truncate(text, config.MaxAnswerHistoryLen)); err != nil {
		v.app.Logger().Warn("Failed to record answer history", "user_id", session.UserID, "error", err)
	}
	return v.app.DB().UpdateRetries(session.UserID, session.Retries)
}

// deliverLink either sends the invite link directly or, when the problem set
// configures a confirmation step, a click-to-continue prompt.
func (v *VerifyService) deliverLink(ctx context.Context, userID int64) error {
	if confirm := v.app.Problems().Confirm(); confirm != nil && confirm.Enable {
		_, err := v.app.Chat().SendMessage(ctx, userID, confirm.Text,
			models.CallbackKeyboard(confirm.ButtonText, readyCallback))
		return err
	}
	return v.app.Tracker().SendLink(ctx, userID, false)
}

// ClickToJoin handles the click-to-continue callback. Returns whether the
// callback was consumed. The pass flag is re-checked so a stale or replayed
// button press after a flag reversal never leaks a link.
func (v *VerifyService) ClickToJoin(ctx context.Context, q models.CallbackQuery) bool {
	if q.Data != readyCallback {
		return false
	}
	logger := v.app.Logger().With("handler", "ClickToJoin", "user_id", q.UserID)

	passed, err := v.app.DB().QueryUserPassed(q.UserID)
	if err != nil {
		logger.Error("Failed to query pass state", "error", err)
		passed = false
	}
	if !passed {
		if err := v.app.Chat().AnswerCallback(ctx, q.ID, msgTryLater); err != nil {
			logger.Warn("Failed to answer callback", "error", err)
		}
		return true
	}

	if err := v.app.Chat().EditMessageMarkup(ctx, q.ChatID, q.MessageID, nil); err != nil && !errors.Is(err, models.ErrNotModified) {
		logger.Warn("Failed to clear confirm button", "error", err)
	}
	if err := v.app.Tracker().SendLink(ctx, q.UserID, true); err != nil {
		logger.Error("Failed to send invite link", "error", err)
		v.reportToStaff(ctx, fmt.Sprintf("Failed to send invite link to user %d: %v", q.UserID, err))
		return true
	}
	if err := v.app.Chat().AnswerCallback(ctx, q.ID, msgLinkSent); err != nil {
		logger.Warn("Failed to answer callback", "error", err)
	}
	return true
}

// QueryUserPassed exposes the pass check to the surrounding bot layer.
func (v *VerifyService) QueryUserPassed(userID int64) bool {
	passed, err := v.app.DB().QueryUserPassed(userID)
	if err != nil {
		v.app.Logger().Error("Failed to query pass state", "user_id", userID, "error", err)
		return false
	}
	return passed
}

// SendLink exposes link delivery to the surrounding bot layer (ticket
// resolutions use fromTicket wording).
func (v *VerifyService) SendLink(ctx context.Context, userID int64, fromTicket bool) error {
	return v.app.Tracker().SendLink(ctx, userID, fromTicket)
}

// reply sends a plain text message, swallowing delivery errors other than the
// blocked-user case, which the caller handles.
func (v *VerifyService) reply(ctx context.Context, userID int64, text string) {
	if _, err := v.app.Chat().SendMessage(ctx, userID, text, nil); err != nil {
		if errors.Is(err, models.ErrUserBlocked) {
			v.reportToStaff(ctx, fmt.Sprintf("The bot is blocked by user %d.", userID))
			return
		}
		v.app.Logger().Warn("Failed to send reply", "user_id", userID, "error", err)
	}
}

// reportToStaff forwards an operational notice to the staff group.
func (v *VerifyService) reportToStaff(ctx context.Context, text string) {
	if _, err := v.app.Chat().SendMessage(ctx, v.app.StaffGroup(), text, nil); err != nil {
		v.app.Logger().Error("Failed to notify staff group", "error", err)
	}
}
