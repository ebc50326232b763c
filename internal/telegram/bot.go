// Package telegram provides a Telegram bot front end for assistchat.
//
// Uses long polling -- no public URL or webhook needed.
// Each chat is one conversation: send a message, get the assistant's reply.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jxucoder/assistchat/internal/conversation"
	"github.com/jxucoder/assistchat/model"
)

// maxMessageLen stays under Telegram's 4096-character message limit after
// MarkdownV2 escaping of the common cases.
const maxMessageLen = 3500

const helpText = "*assistchat* \\- chat with an assistant\\.\n\n" +
	"Just send a message and I'll reply\\. The conversation continues until you send /reset\\."

// Conversations resolves the conversation for a chat.
// *conversation.Registry implements it.
type Conversations interface {
	Get(key string) *conversation.Controller
	Forget(ctx context.Context, key string)
}

// Bot is the Telegram bot.
type Bot struct {
	api           *tgbotapi.BotAPI
	conversations Conversations
	logger        zerolog.Logger
	endpoint      string
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the bot logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithEndpoint overrides the Bot API endpoint format (see tgbotapi.APIEndpoint).
func WithEndpoint(endpoint string) Option {
	return func(b *Bot) { b.endpoint = endpoint }
}

// ChatKey is the conversation key for a Telegram chat.
func ChatKey(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

// NewBot creates a new Telegram bot.
func NewBot(token string, conversations Conversations, opts ...Option) (*Bot, error) {
	b := &Bot{
		conversations: conversations,
		logger:        log.Logger,
		endpoint:      tgbotapi.APIEndpoint,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "telegram").Logger()

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}
	b.api = api

	b.logger.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")
	return b, nil
}

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	b.logger.Info().Msg("Telegram bot listening for messages...")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(ctx, update.Message)
			}
		}
	}
}

// handleMessage processes an incoming message.
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	chatID := msg.Chat.ID
	replyTo := msg.MessageID
	key := ChatKey(chatID)

	switch text {
	case "":
		return
	case "/start", "/help":
		b.sendReply(chatID, replyTo, helpText)
		return
	case "/reset":
		b.conversations.Forget(ctx, key)
		b.sendReply(chatID, replyTo, "Started a fresh conversation\\.")
		return
	}

	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug().Err(err).Msg("failed to send typing action")
	}

	turn, err := b.conversations.Get(key).Ask(ctx, text)
	switch {
	case errors.Is(err, conversation.ErrBusy):
		b.sendReply(chatID, replyTo, "Still working on your previous message\\.")
		return
	case err != nil:
		b.logger.Warn().Err(err).Str("key", key).Msg("abandoned waiting for reply")
		return
	}

	reply := escapeMarkdown(model.Truncate(turn.Content, maxMessageLen))
	if turn.Content == model.FallbackReply {
		reply = "⚠ " + reply
	}
	b.sendReply(chatID, replyTo, reply)
}

// sendReply sends a MarkdownV2 message as a reply.
func (b *Bot) sendReply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
		// Retry without markdown in case of parse errors.
		msg.ParseMode = ""
		msg.Text = stripMarkdown(text)
		if _, err := b.api.Send(msg); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send plain message")
		}
	}
}

var markdownEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"]", "\\]",
	"(", "\\(",
	")", "\\)",
	"~", "\\~",
	"`", "\\`",
	">", "\\>",
	"#", "\\#",
	"+", "\\+",
	"-", "\\-",
	"=", "\\=",
	"|", "\\|",
	"{", "\\{",
	"}", "\\}",
	".", "\\.",
	"!", "\\!",
)

var markdownStripper = strings.NewReplacer(
	"\\\\", "\\",
	"\\*", "*",
	"\\_", "_",
	"\\[", "[",
	"\\]", "]",
	"\\(", "(",
	"\\)", ")",
	"\\~", "~",
	"\\`", "`",
	"\\>", ">",
	"\\#", "#",
	"\\+", "+",
	"\\-", "-",
	"\\=", "=",
	"\\|", "|",
	"\\{", "{",
	"\\}", "}",
	"\\.", ".",
	"\\!", "!",
)

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// stripMarkdown removes MarkdownV2 escape sequences for plain text fallback.
func stripMarkdown(s string) string {
	return markdownStripper.Replace(s)
}
