// Package slack provides a Slack bot front end for assistchat using Socket Mode.
//
// Socket Mode connects to Slack via WebSocket -- no public URL needed.
// Each Slack thread is one conversation: the bot relays @mentions (and direct
// messages) to the assistant and answers in the thread.
package slack

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jxucoder/assistchat/internal/conversation"
	"github.com/jxucoder/assistchat/model"
)

// maxBlockText is Slack's limit for a section block's text.
const maxBlockText = 3000

const usage = "Ask me anything in this thread. Example:\n`@assistchat what is a goroutine?`\n" +
	"Say `@assistchat reset` to start over with a fresh thread."

// Conversations resolves the conversation for a Slack thread.
// *conversation.Registry implements it.
type Conversations interface {
	Get(key string) *conversation.Controller
	Forget(ctx context.Context, key string)
}

// Bot is the Slack Socket Mode bot.
type Bot struct {
	api           *slack.Client
	socketClient  *socketmode.Client
	conversations Conversations
	logger        zerolog.Logger
	apiURL        string
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the bot logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithAPIURL points the Web API client somewhere other than slack.com.
func WithAPIURL(url string) Option {
	return func(b *Bot) { b.apiURL = url }
}

// ThreadKey is the conversation key for a Slack thread.
func ThreadKey(channel, threadTS string) string {
	return "slack:" + channel + ":" + threadTS
}

// NewBot creates a new Slack Socket Mode bot.
func NewBot(botToken, appToken string, conversations Conversations, opts ...Option) *Bot {
	b := &Bot{
		conversations: conversations,
		logger:        log.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "slack").Logger()

	apiOpts := []slack.Option{slack.OptionAppLevelToken(appToken)}
	if b.apiURL != "" {
		apiOpts = append(apiOpts, slack.OptionAPIURL(b.apiURL))
	}
	b.api = slack.New(botToken, apiOpts...)
	b.socketClient = socketmode.New(
		b.api,
		socketmode.OptionLog(stdlog.New(b.logger, "slack-socketmode: ", 0)),
	)
	return b
}

// Run connects to Slack via Socket Mode and processes events.
// It blocks until the context is canceled or a fatal error occurs.
func (b *Bot) Run(ctx context.Context) error {
	go b.eventLoop(ctx)
	b.logger.Info().Msg("Slack bot connecting via Socket Mode...")
	return b.socketClient.RunContext(ctx)
}

// eventLoop reads events from the Socket Mode client and dispatches them.
func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socketClient.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

// handleEvent dispatches a single Socket Mode event.
func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Info().Msg("connecting...")
	case socketmode.EventTypeConnected:
		b.logger.Info().Msg("connected")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn().Msg("connection error, will retry...")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Acknowledge immediately (Slack requires ack within 3 seconds).
		b.socketClient.Ack(*evt.Request)

		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			b.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive:
		b.socketClient.Ack(*evt.Request)
	}
}

// handleCallbackEvent routes inner Events API events.
func (b *Bot) handleCallbackEvent(ctx context.Context, innerEvent slackevents.EventsAPIInnerEvent) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		go b.handleMessage(ctx, ev.Channel, threadOf(ev.TimeStamp, ev.ThreadTimeStamp), stripMention(ev.Text))
	case *slackevents.MessageEvent:
		// Direct messages only; channel traffic arrives as mentions.
		if ev.ChannelType != "im" || ev.BotID != "" || ev.SubType != "" {
			return
		}
		go b.handleMessage(ctx, ev.Channel, threadOf(ev.TimeStamp, ev.ThreadTimeStamp), strings.TrimSpace(ev.Text))
	}
}

// handleMessage relays one prompt to the thread's conversation and posts the
// turn it produces.
func (b *Bot) handleMessage(ctx context.Context, channel, threadTS, prompt string) {
	key := ThreadKey(channel, threadTS)

	switch strings.ToLower(prompt) {
	case "":
		b.postThread(channel, threadTS, usage)
		return
	case "help":
		b.postThread(channel, threadTS, usage)
		return
	case "reset":
		b.conversations.Forget(ctx, key)
		b.postThread(channel, threadTS, ":broom: Started a fresh conversation.")
		return
	}

	conv := b.conversations.Get(key)
	turn, err := conv.Ask(ctx, prompt)
	switch {
	case errors.Is(err, conversation.ErrBusy):
		b.postThread(channel, threadTS, ":hourglass_flowing_sand: Still working on the previous message in this thread.")
		return
	case err != nil:
		b.logger.Warn().Err(err).Str("key", key).Msg("abandoned waiting for reply")
		return
	}

	b.postReply(channel, threadTS, turn, conv.Snapshot().ThreadID)
}

// postReply posts the assistant's turn as a Block Kit message, falling back to
// plain text.
func (b *Bot) postReply(channel, threadTS string, turn model.Turn, threadID string) {
	text := turn.Content
	if text == model.FallbackReply {
		text = ":warning: " + text
	}

	section := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, model.Truncate(text, maxBlockText), false, false),
		nil, nil)
	blocks := []slack.Block{section}
	if threadID != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("Thread `%s`", threadID), false, false)))
	}

	_, _, err := b.api.PostMessage(channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.logger.Error().Err(err).Str("channel", channel).Msg("failed to post reply")
		b.postThread(channel, threadTS, text)
	}
}

// postThread sends a plain text message as a thread reply.
func (b *Bot) postThread(channel, threadTS, text string) {
	_, _, err := b.api.PostMessage(channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.logger.Error().Err(err).Str("channel", channel).Msg("failed to post message")
	}
}

// stripMention removes the leading bot mention (<@U12345>) from text.
func stripMention(text string) string {
	if strings.HasPrefix(strings.TrimSpace(text), "<@") {
		if idx := strings.Index(text, ">"); idx >= 0 {
			text = text[idx+1:]
		}
	}
	return strings.TrimSpace(text)
}

// threadOf returns the thread a message belongs to: its parent thread, or the
// message itself when it starts one.
func threadOf(ts, threadTS string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}
