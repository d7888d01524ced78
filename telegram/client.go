// relaybot/telegram/client.go
//
// Thin adapter between gogram and the models.ChatClient interface. All MTProto
// specifics (peer resolution, RPC error strings, constructor casts) stay in
// this package.
package telegram

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"relaybot/models"

	tg "github.com/amarnathcjd/gogram/telegram"
)

var floodWaitRe = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)

// Config holds the MTProto credentials for the bot account.
type Config struct {
	AppID    int32
	AppHash  string
	BotToken string
}

// Client wraps a gogram bot client.
type Client struct {
	c *tg.Client
}

// New connects and authorizes a bot client.
func New(cfg Config) (*Client, error) {
	c, err := tg.NewClient(tg.ClientConfig{
		AppID:   cfg.AppID,
		AppHash: cfg.AppHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}
	if _, err := c.Conn(); err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	if err := c.LoginBot(cfg.BotToken); err != nil {
		return nil, fmt.Errorf("failed to authorize bot: %w", err)
	}
	return &Client{c: c}, nil
}

// Connected reports whether the MTProto transport is up.
func (t *Client) Connected() bool {
	return t.c.IsConnected()
}

// ExportInviteLink creates a fresh primary invite link for the chat,
// invalidating the previous one.
func (t *Client) ExportInviteLink(ctx context.Context, chatID int64) (string, error) {
	peer, err := t.c.ResolvePeer(chatID)
	if err != nil {
		return "", mapError(fmt.Errorf("failed to resolve chat %d: %w", chatID, err))
	}
	invite, err := t.c.MessagesExportChatInvite(&tg.MessagesExportChatInviteParams{
		Peer:                  peer,
		LegacyRevokePermanent: true,
	})
	if err != nil {
		return "", mapError(fmt.Errorf("failed to export invite link: %w", err))
	}
	exported, ok := invite.(*tg.ChatInviteExported)
	if !ok {
		return "", fmt.Errorf("unexpected invite type %T", invite)
	}
	return exported.Link, nil
}

// SendMessage sends an HTML-formatted message with an optional inline keyboard.
func (t *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *models.InlineKeyboard) (models.MessageHandle, error) {
	opts := &tg.SendOptions{
		ParseMode:   "HTML",
		LinkPreview: false,
	}
	if markup != nil {
		opts.ReplyMarkup = buildMarkup(markup)
	}
	msg, err := t.c.SendMessage(chatID, text, opts)
	if err != nil {
		return models.MessageHandle{}, mapError(err)
	}
	return models.MessageHandle{ID: int(msg.ID)}, nil
}

// EditMessageMarkup replaces (or, with nil, removes) a message's inline
// keyboard without touching its text.
func (t *Client) EditMessageMarkup(ctx context.Context, chatID int64, messageID int, markup *models.InlineKeyboard) error {
	peer, err := t.c.ResolvePeer(chatID)
	if err != nil {
		return mapError(fmt.Errorf("failed to resolve chat %d: %w", chatID, err))
	}
	params := &tg.MessagesEditMessageParams{
		Peer: peer,
		ID:   int32(messageID),
	}
	if markup != nil {
		params.ReplyMarkup = buildMarkup(markup)
	}
	if _, err := t.c.MessagesEditMessage(params); err != nil {
		return mapError(err)
	}
	return nil
}

// GetMembershipStatus reports the user's membership status in the chat.
func (t *Client) GetMembershipStatus(ctx context.Context, chatID, userID int64) (string, error) {
	chatPeer, err := t.c.ResolvePeer(chatID)
	if err != nil {
		return "", mapError(fmt.Errorf("failed to resolve chat %d: %w", chatID, err))
	}
	channel, ok := chatPeer.(*tg.InputPeerChannel)
	if !ok {
		return "", fmt.Errorf("chat %d is not a channel peer (%T)", chatID, chatPeer)
	}
	userPeer, err := t.c.ResolvePeer(userID)
	if err != nil {
		return "", mapError(fmt.Errorf("failed to resolve user %d: %w", userID, err))
	}
	res, err := t.c.ChannelsGetParticipant(
		&tg.InputChannelObj{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash},
		userPeer,
	)
	if err != nil {
		return "", mapError(err)
	}
	switch res.Participant.(type) {
	case *tg.ChannelParticipantCreator:
		return models.MemberStatusCreator, nil
	case *tg.ChannelParticipantAdmin:
		return models.MemberStatusAdmin, nil
	case *tg.ChannelParticipantLeft, *tg.ChannelParticipantBanned:
		return models.MemberStatusLeft, nil
	default:
		return models.MemberStatusMember, nil
	}
}

// AnswerCallback acknowledges a callback query with a toast notification.
func (t *Client) AnswerCallback(ctx context.Context, queryID int64, text string) error {
	_, err := t.c.MessagesSetBotCallbackAnswer(&tg.MessagesSetBotCallbackAnswerParams{
		QueryID: queryID,
		Message: text,
	})
	return mapError(err)
}

// OnPrivateMessage registers a handler for incoming private text messages.
func (t *Client) OnPrivateMessage(fn func(ctx context.Context, userID int64, text string)) {
	t.c.On(tg.OnMessage, func(m *tg.NewMessage) error {
		if !m.IsPrivate() || m.Text() == "" {
			return nil
		}
		fn(context.Background(), m.SenderID(), m.Text())
		return nil
	})
}

// OnCallback registers a handler for inline button presses.
func (t *Client) OnCallback(fn func(ctx context.Context, q models.CallbackQuery) bool) {
	t.c.On(tg.OnCallbackQuery, func(cb *tg.CallbackQuery) error {
		fn(context.Background(), models.CallbackQuery{
			ID:        cb.QueryID,
			UserID:    cb.SenderID,
			ChatID:    cb.ChatID,
			MessageID: int(cb.MessageID),
			Data:      string(cb.Data),
		})
		return nil
	})
}

// Stop disconnects the client.
func (t *Client) Stop() error {
	return t.c.Stop()
}

func buildMarkup(kb *models.InlineKeyboard) *tg.ReplyInlineMarkup {
	rows := make([]*tg.KeyboardButtonRow, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		buttons := make([]tg.KeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, &tg.KeyboardButtonURL{Text: b.Text, URL: b.URL})
			} else {
				buttons = append(buttons, &tg.KeyboardButtonCallback{Text: b.Text, Data: []byte(b.Data)})
			}
		}
		rows = append(rows, &tg.KeyboardButtonRow{Buttons: buttons})
	}
	return &tg.ReplyInlineMarkup{Rows: rows}
}

// mapError translates gogram RPC errors into the sentinel errors the rest of
// the application branches on.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if m := floodWaitRe.FindStringSubmatch(msg); m != nil {
		secs, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			return &models.RateLimitedError{RetryAfter: time.Duration(secs) * time.Second}
		}
	}
	switch {
	case strings.Contains(msg, "USER_NOT_PARTICIPANT"):
		return fmt.Errorf("%w: %s", models.ErrNotParticipant, msg)
	case strings.Contains(msg, "USER_IS_BLOCKED"), strings.Contains(msg, "YOU_BLOCKED_USER"):
		return fmt.Errorf("%w: %s", models.ErrUserBlocked, msg)
	case strings.Contains(msg, "MESSAGE_NOT_MODIFIED"):
		return fmt.Errorf("%w: %s", models.ErrNotModified, msg)
	}
	return err
}
