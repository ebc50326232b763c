// Package server provides the assistchat HTTP API server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/assistchat/internal/assistant"
	"github.com/jxucoder/assistchat/internal/config"
	"github.com/jxucoder/assistchat/internal/conversation"
	"github.com/jxucoder/assistchat/internal/sessionstore"
	chatslack "github.com/jxucoder/assistchat/internal/slack"
	chattelegram "github.com/jxucoder/assistchat/internal/telegram"
)

// sweepInterval is how often idle conversations are unmounted.
const sweepInterval = time.Minute

// Server is the assistchat HTTP API server. It also hosts the chat bots, which
// share its conversation registry.
type Server struct {
	config      *config.Config
	gateway     conversation.Submitter
	backend     sessionstore.Catalog
	registry    *conversation.Registry
	router      chi.Router
	slackBot    *chatslack.Bot    // nil if Slack is not configured
	telegramBot *chattelegram.Bot // nil if Telegram is not configured
	logger      zerolog.Logger
}

// New creates a Server with all production dependencies.
func New(cfg *config.Config) (*Server, error) {
	gw, err := assistant.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := sessionstore.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing session store: %w", err)
	}

	s := newServer(cfg, gw, backend)

	if cfg.SlackEnabled() {
		s.slackBot = chatslack.NewBot(cfg.SlackBotToken, cfg.SlackAppToken, s.registry,
			chatslack.WithLogger(s.logger))
		s.logger.Info().Msg("Slack bot enabled (Socket Mode)")
	}
	if cfg.TelegramEnabled() {
		tgBot, err := chattelegram.NewBot(cfg.TelegramBotToken, s.registry,
			chattelegram.WithLogger(s.logger))
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to initialize Telegram bot")
		} else {
			s.telegramBot = tgBot
			s.logger.Info().Msg("Telegram bot enabled (long polling)")
		}
	}

	return s, nil
}

func newServer(cfg *config.Config, gw conversation.Submitter, backend sessionstore.Catalog) *Server {
	logger := log.Logger.With().Str("component", "server").Logger()
	stores := sessionstore.Factory(backend,
		sessionstore.WithTTL(cfg.SessionTTL),
		sessionstore.WithLogger(log.Logger))

	s := &Server{
		config:   cfg,
		gateway:  gw,
		backend:  backend,
		registry: conversation.NewRegistry(gw, stores),
		logger:   logger,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server, the idle sweeper and any configured bots until
// ctx is done.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.slackBot != nil {
		g.Go(func() error {
			if err := s.slackBot.Run(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Slack bot error")
			}
			return nil
		})
	}
	if s.telegramBot != nil {
		g.Go(func() error {
			if err := s.telegramBot.Run(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Telegram bot error")
			}
			return nil
		})
	}
	g.Go(func() error {
		s.sweep(ctx)
		return nil
	})

	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.logger.Info().Str("addr", s.config.ServerAddr).Msg("assistchat server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := g.Wait()
	s.registry.Close()
	if cerr := s.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.Sweep(s.config.IdleTimeout); n > 0 {
				s.logger.Debug().Int("count", n).Msg("unmounted idle conversations")
			}
			if n, err := s.backend.Purge(ctx, time.Now()); err != nil {
				s.logger.Warn().Err(err).Msg("purging expired threads")
			} else if n > 0 {
				s.logger.Debug().Int64("count", n).Msg("purged expired threads")
			}
		}
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(5 * time.Minute))
			r.Get("/chat", s.handleGetChat)
			r.Delete("/chat", s.handleDeleteChat)
			r.Post("/chat/input", s.handleInput)
			r.Post("/chat/submit", s.handleSubmit)
			r.Post("/chat/stop", s.handleStop)
			r.Post("/generate", s.handleGenerate)
		})
		r.Get("/chat/events", s.handleEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// requestLogger logs one line per request through zerolog.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
