package chatport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/protectogram/panic-core/internal/otel"
)

// TelegramProvider is the concrete chatport.Provider backed by the
// Telegram Bot API, grounded in the teacher's internal/channels/telegram.go
// send/edit/callback idioms.
type TelegramProvider struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
	tracer trace.Tracer
}

// SetTracer wires the client span opened around each Telegram API call.
// Optional; a provider with no tracer set just skips span creation.
func (p *TelegramProvider) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

func NewTelegramProvider(token string, logger *slog.Logger) (*TelegramProvider, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramProvider{bot: bot, logger: logger}, nil
}

func (p *TelegramProvider) SendMessage(ctx context.Context, chatID int64, text string, buttons []Button) (string, error) {
	if p.tracer != nil {
		var span trace.Span
		_, span = otel.StartClientSpan(ctx, p.tracer, "chatport.send_message", otel.AttrProvider.String("chat"))
		defer span.End()
	}
	msg := tgbotapi.NewMessage(chatID, escapeMarkdownV2(text))
	msg.ParseMode = "MarkdownV2"
	if kb := buildKeyboard(buttons); kb != nil {
		msg.ReplyMarkup = kb
	}
	op := func() (tgbotapi.Message, error) {
		return p.bot.Send(msg)
	}
	sent, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3))
	if err != nil {
		return "", fmt.Errorf("telegram send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (p *TelegramProvider) AnswerCallback(ctx context.Context, callbackID, shortText string) error {
	if p.tracer != nil {
		var span trace.Span
		_, span = otel.StartClientSpan(ctx, p.tracer, "chatport.answer_callback", otel.AttrProvider.String("chat"))
		defer span.End()
	}
	cb := tgbotapi.NewCallback(callbackID, shortText)
	if _, err := p.bot.Request(cb); err != nil {
		return fmt.Errorf("telegram answer callback: %w", err)
	}
	return nil
}

func (p *TelegramProvider) EditMessage(ctx context.Context, chatID int64, messageID string, text string, buttons []Button) error {
	if p.tracer != nil {
		var span trace.Span
		_, span = otel.StartClientSpan(ctx, p.tracer, "chatport.edit_message", otel.AttrProvider.String("chat"))
		defer span.End()
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram edit message: invalid message id %q: %w", messageID, err)
	}
	edit := tgbotapi.NewEditMessageText(chatID, id, escapeMarkdownV2(text))
	edit.ParseMode = "MarkdownV2"
	if kb := buildKeyboard(buttons); kb != nil {
		edit.ReplyMarkup = kb
	}
	op := func() (tgbotapi.Message, error) {
		return p.bot.Send(edit)
	}
	if _, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3)); err != nil {
		return fmt.Errorf("telegram edit message: %w", err)
	}
	return nil
}

// PollUpdates runs the teacher's reconnect-with-backoff polling loop,
// dispatching parsed updates to handle.
func (p *TelegramProvider) PollUpdates(ctx context.Context, handle func(tgbotapi.Update)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := p.bot.GetUpdatesChan(u)

		pollErr := p.pollOnce(ctx, updates, handle)
		p.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		p.logger.Warn("chatport: telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (p *TelegramProvider) pollOnce(ctx context.Context, updates tgbotapi.UpdatesChannel, handle func(tgbotapi.Update)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return fmt.Errorf("chatport: telegram update channel closed")
			}
			handle(upd)
		}
	}
}

func buildKeyboard(buttons []Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}

// escapeMarkdownV2 escapes MarkdownV2 special characters, ported from the
// teacher's escapeMarkdownV2.
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(special, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
