// Package telegram implements the delivery contract over the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"funnelbot/internal/delivery"
)

type Options struct {
	// Endpoint overrides the Bot API URL template (tgbotapi.APIEndpoint).
	Endpoint string
	Client   *http.Client
	// SendRate caps outbound calls per second.
	SendRate float64
	// PollTimeout is the long-poll timeout in seconds for getUpdates.
	PollTimeout int
}

// Bot is a delivery.Sink and delivery.MembershipChecker backed by one bot
// session.
type Bot struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
	timeout int
}

var (
	_ delivery.Sink              = (*Bot)(nil)
	_ delivery.MembershipChecker = (*Bot)(nil)
)

// New authenticates token against the Bot API.
func New(token string, opts Options) (*Bot, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = tgbotapi.APIEndpoint
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 25
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, opts.Endpoint, opts.Client)
	if err != nil {
		return nil, classify("get me", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram bot authorized")
	return &Bot{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(opts.SendRate), 1),
		timeout: opts.PollTimeout,
	}, nil
}

func (b *Bot) Username() string { return b.api.Self.UserName }

func (b *Bot) SendText(ctx context.Context, msg delivery.Text) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return delivery.NewError(delivery.KindTransient, "send text", err)
	}
	m := tgbotapi.NewMessage(msg.ChatID, msg.Body)
	m.ParseMode = parseMode(msg.Format)
	m.DisableWebPagePreview = msg.DisablePreview
	if kb, ok := keyboard(msg.Keyboard); ok {
		m.ReplyMarkup = kb
	}
	_, err := b.api.Send(m)
	return classify("send text", err)
}

func (b *Bot) SendMedia(ctx context.Context, m delivery.Media) (string, error) {
	op := "send " + m.Kind.String()
	if err := b.limiter.Wait(ctx); err != nil {
		return "", delivery.NewError(delivery.KindTransient, op, err)
	}

	var file tgbotapi.RequestFileData = tgbotapi.FilePath(m.Path)
	if m.Handle != "" {
		file = tgbotapi.FileID(m.Handle)
	}

	var c tgbotapi.Chattable
	switch m.Kind {
	case delivery.MediaAudio:
		a := tgbotapi.NewAudio(m.ChatID, file)
		a.Caption, a.ParseMode = m.Caption, parseMode(m.Format)
		if kb, ok := keyboard(m.Keyboard); ok {
			a.ReplyMarkup = kb
		}
		c = a
	case delivery.MediaDocument:
		d := tgbotapi.NewDocument(m.ChatID, file)
		d.Caption, d.ParseMode = m.Caption, parseMode(m.Format)
		if kb, ok := keyboard(m.Keyboard); ok {
			d.ReplyMarkup = kb
		}
		c = d
	default:
		p := tgbotapi.NewPhoto(m.ChatID, file)
		p.Caption, p.ParseMode = m.Caption, parseMode(m.Format)
		if kb, ok := keyboard(m.Keyboard); ok {
			p.ReplyMarkup = kb
		}
		c = p
	}

	sent, err := b.api.Send(c)
	if err != nil {
		return "", classify(op, err)
	}
	return handleOf(sent), nil
}

func (b *Bot) Forward(ctx context.Context, chatID, fromChatID int64, messageID int) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return delivery.NewError(delivery.KindTransient, "forward", err)
	}
	_, err := b.api.Send(tgbotapi.NewForward(chatID, fromChatID, messageID))
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return delivery.NewError(delivery.KindTransient, "forward", err)
	}
	return delivery.NewError(forwardKindOf(apiErr.Code, apiErr.Message), "forward", err)
}

func (b *Bot) AnswerEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	_, err := b.api.Request(tgbotapi.NewCallback(eventID, ""))
	return classify("answer callback", err)
}

// IsMember treats every status except left and kicked as membership.
func (b *Bot) IsMember(ctx context.Context, channelID, userID int64) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, delivery.NewError(delivery.KindTransient, "get chat member", err)
	}
	m, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: channelID, UserID: userID},
	})
	if err != nil {
		return false, classify("get chat member", err)
	}
	switch m.Status {
	case "left", "kicked", "":
		return false, nil
	}
	return true, nil
}

// Listen long-polls for updates and hands each one to h in arrival order
// until ctx is done. Handler errors are logged.
func (b *Bot) Listen(ctx context.Context, h delivery.EventHandler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.timeout
	updates := b.api.GetUpdatesChan(u)
	log.Info().Msg("telegram listener started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			log.Info().Msg("telegram listener stopped")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			ev, ok := toEvent(upd)
			if !ok {
				continue
			}
			if err := h.HandleEvent(ctx, ev); err != nil {
				log.Error().Err(err).
					Int("update_id", upd.UpdateID).
					Int64("recipient_id", ev.RecipientID).
					Msg("event handling failed")
			}
		}
	}
}

func toEvent(upd tgbotapi.Update) (delivery.Event, bool) {
	if cq := upd.CallbackQuery; cq != nil && cq.From != nil {
		ev := delivery.Event{
			Kind:        delivery.EventButton,
			RecipientID: cq.From.ID,
			ChatID:      cq.From.ID,
			Data:        cq.Data,
			EventID:     cq.ID,
		}
		if cq.Message != nil && cq.Message.Chat != nil {
			ev.ChatID = cq.Message.Chat.ID
		}
		return ev, true
	}

	msg := upd.Message
	if msg == nil || msg.From == nil || strings.TrimSpace(msg.Text) == "" {
		return delivery.Event{}, false
	}
	ev := delivery.Event{RecipientID: msg.From.ID, ChatID: msg.From.ID}
	if msg.Chat != nil {
		ev.ChatID = msg.Chat.ID
	}
	if token, ok := startPayload(msg.Text); ok {
		ev.Kind = delivery.EventStart
		ev.Token = token
		return ev, true
	}
	ev.Kind = delivery.EventText
	ev.Text = strings.TrimSpace(msg.Text)
	return ev, true
}

// startPayload recognises "/start", "/start@bot" and "/start <payload>".
func startPayload(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	cmd := fields[0]
	if cmd != "/start" && !strings.HasPrefix(cmd, "/start@") {
		return "", false
	}
	if len(fields) == 1 {
		return "", true
	}
	return strings.Join(fields[1:], " "), true
}

func keyboard(kb delivery.Keyboard) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(kb) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, r := range kb {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, btn := range r {
			if btn.URL != "" {
				row = append(row, tgbotapi.NewInlineKeyboardButtonURL(btn.Label, btn.URL))
			} else {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data))
			}
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(row...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

func parseMode(f delivery.Format) string {
	if f == delivery.FormatHTML {
		return tgbotapi.ModeHTML
	}
	return ""
}

func handleOf(m tgbotapi.Message) string {
	switch {
	case m.Audio != nil:
		return m.Audio.FileID
	case m.Document != nil:
		return m.Document.FileID
	case len(m.Photo) > 0:
		return m.Photo[len(m.Photo)-1].FileID
	}
	return ""
}

// classify maps Bot API failures onto delivery error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return delivery.NewError(delivery.KindTransient, op, err)
	}
	return delivery.NewError(kindOf(apiErr.Code, apiErr.Message), op, err)
}

func kindOf(code int, description string) delivery.ErrorKind {
	d := strings.ToLower(description)
	switch {
	case code == http.StatusForbidden:
		return delivery.KindUnreachable
	case code == http.StatusBadRequest && (strings.Contains(d, "chat not found") || strings.Contains(d, "user is deactivated")):
		return delivery.KindUnreachable
	case code == http.StatusBadRequest && (strings.Contains(d, "not found") ||
		strings.Contains(d, "wrong file identifier") ||
		strings.Contains(d, "wrong remote file")):
		return delivery.KindNotFound
	}
	return delivery.KindTransient
}

// forwardKindOf classifies forwardMessage failures. Two chats are involved, so
// only errors that name the recipient count as unreachable; a missing or
// unreadable source channel is reported as not-found.
func forwardKindOf(code int, description string) delivery.ErrorKind {
	d := strings.ToLower(description)
	switch {
	case recipientGone(d):
		return delivery.KindUnreachable
	case code == http.StatusForbidden, code == http.StatusBadRequest:
		return delivery.KindNotFound
	}
	return delivery.KindTransient
}

func recipientGone(description string) bool {
	return strings.Contains(description, "blocked by the user") ||
		strings.Contains(description, "user is deactivated") ||
		strings.Contains(description, "bot can't initiate conversation")
}
