// Package assistant relays conversation turns to a hosted, run-based
// assistant service.
//
// A submission resolves (or creates) a remote thread, appends the latest user
// turn, starts a run against the configured assistant, polls the run at a
// constant interval until it leaves the queued/in-progress states, and
// extracts the newest assistant text. Every failure along the way comes back
// as a single *Error.
package assistant

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jxucoder/assistchat/internal/config"
	"github.com/jxucoder/assistchat/internal/sessionstore"
	"github.com/jxucoder/assistchat/model"
)

// ThreadPrefix is the shape every service-issued thread id has.
const ThreadPrefix = "thread_"

// ValidThreadID reports whether id is worth trying to resume.
func ValidThreadID(id string) bool {
	return sessionstore.Valid(id) && strings.HasPrefix(strings.TrimSpace(id), ThreadPrefix)
}

// Reply is the outcome of a successful submission.
type Reply struct {
	Text      string `json:"text"`
	SessionID string `json:"threadId"`
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config is what a Gateway needs beyond its Service.
type Config struct {
	AssistantID     string
	PollInterval    time.Duration
	MaxPollAttempts int // 0 = poll until the run settles
}

// Gateway mediates every interaction with the assistant service.
type Gateway struct {
	cfg    Config
	svc    Service
	sleep  SleepFunc
	logger zerolog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSleep replaces the poll delay, for tests.
func WithSleep(fn SleepFunc) Option {
	return func(g *Gateway) { g.sleep = fn }
}

// WithLogger sets the gateway logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a Gateway over svc.
func New(cfg Config, svc Service, opts ...Option) (*Gateway, error) {
	if strings.TrimSpace(cfg.AssistantID) == "" {
		return nil, &config.ConfigurationError{Missing: []string{"OPENAI_ASSISTANT_ID"}}
	}
	if svc == nil {
		return nil, errors.New("assistant service is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}
	g := &Gateway{
		cfg:    cfg,
		svc:    svc,
		sleep:  sleepContext,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "assistant").Logger()
	return g, nil
}

// FromConfig validates cfg and builds a Gateway backed by the OpenAI
// Assistants API.
func FromConfig(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return New(Config{
		AssistantID:     cfg.AssistantID,
		PollInterval:    cfg.PollInterval,
		MaxPollAttempts: cfg.MaxPollAttempts,
	}, NewOpenAIService(cfg.OpenAIAPIKey, cfg.BaseURL), opts...)
}

// SubmitTurn sends the newest user turn in turns to the thread identified by
// sessionID (or to a fresh thread) and waits for the assistant's reply.
//
// It is not idempotent: if it fails after the turn was submitted, retrying
// submits the turn again.
func (g *Gateway) SubmitTurn(ctx context.Context, turns []model.Turn, sessionID string) (*Reply, error) {
	turn, ok := model.LastUserTurn(turns)
	if !ok {
		return nil, &Error{Op: OpSelectTurn, Err: ErrNoUserTurn}
	}

	threadID, err := g.resolveThread(ctx, sessionID)
	if err != nil {
		return nil, &Error{Op: OpCreateThread, Err: err}
	}
	logger := g.logger.With().Str("thread_id", threadID).Logger()

	if err := g.svc.CreateMessage(ctx, threadID, turn.Content); err != nil {
		return nil, &Error{Op: OpSubmit, Err: err}
	}

	run, err := g.svc.CreateRun(ctx, threadID, g.cfg.AssistantID)
	if err != nil {
		return nil, &Error{Op: OpStartRun, Err: err}
	}
	logger.Debug().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("run started")

	run, err = g.awaitRun(ctx, threadID, run)
	if err != nil {
		return nil, err
	}
	if run.Status != RunCompleted {
		logger.Warn().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("run did not complete")
		return nil, statusError(run.Status, run.LastError)
	}

	text, err := g.extractReply(ctx, threadID)
	if err != nil {
		return nil, &Error{Op: OpExtract, Err: err}
	}
	return &Reply{Text: text, SessionID: threadID}, nil
}

// resolveThread resumes sessionID when it looks like a thread id and the
// service still knows it, and otherwise creates a new thread. Resumption
// failures are not errors.
func (g *Gateway) resolveThread(ctx context.Context, sessionID string) (string, error) {
	if ValidThreadID(sessionID) {
		thread, err := g.svc.RetrieveThread(ctx, strings.TrimSpace(sessionID))
		if err == nil {
			return thread.ID, nil
		}
		g.logger.Info().Err(err).Str("thread_id", sessionID).Msg("thread retrieval failed, creating new thread")
	}

	thread, err := g.svc.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	g.logger.Debug().Str("thread_id", thread.ID).Msg("thread created")
	return thread.ID, nil
}

// awaitRun polls until run leaves the pending states. The first observation
// is the status returned when the run was created.
func (g *Gateway) awaitRun(ctx context.Context, threadID string, run *Run) (*Run, error) {
	for attempts := 0; run.Status.Pending(); attempts++ {
		if g.cfg.MaxPollAttempts > 0 && attempts >= g.cfg.MaxPollAttempts {
			return nil, statusError(RunPollLimit, "last status "+string(run.Status))
		}
		if err := g.sleep(ctx, g.cfg.PollInterval); err != nil {
			return nil, &Error{Op: OpPoll, Err: err}
		}

		next, err := g.svc.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return nil, &Error{Op: OpPoll, Err: err}
		}
		run = next
		g.logger.Debug().Str("run_id", run.ID).Str("status", string(run.Status)).Int("attempt", attempts+1).Msg("polled run")
	}
	return run, nil
}

// extractReply returns the first text block of the newest assistant message.
func (g *Gateway) extractReply(ctx context.Context, threadID string) (string, error) {
	messages, err := g.svc.ListMessages(ctx, threadID)
	if err != nil {
		return "", err
	}
	for _, m := range messages {
		if m.Role != model.RoleAssistant {
			continue
		}
		for _, block := range m.Content {
			if block.Type == "text" {
				return block.Text, nil
			}
		}
		return "", errors.New("no valid text response found")
	}
	return "", errors.New("no assistant response found")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
