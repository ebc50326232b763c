package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/assistchat/internal/assistant"
	"github.com/jxucoder/assistchat/internal/conversation"
	"github.com/jxucoder/assistchat/internal/sessionstore"
	"github.com/jxucoder/assistchat/model"
)

// ClientCookieName identifies a browser across requests.
const ClientCookieName = "clientId"

const clientCookieTTL = 365 * 24 * time.Hour

// --- Request/Response types ---

type inputRequest struct {
	Input string `json:"input"`
}

type submitRequest struct {
	Input *string `json:"input,omitempty"`
}

type generateRequest struct {
	Messages []model.Turn `json:"messages"`
	ThreadID string       `json:"threadId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Conversation binding ---

// chat is the controller behind one browser plus the cookie store that mirrors
// its thread handle.
type chat struct {
	key        string
	controller *conversation.Controller
	cookies    sessionstore.Store
}

// mount resolves the browser's controller, issuing a client id if needed. A
// freshly mounted controller is seeded from the threadId cookie.
func (s *Server) mount(w http.ResponseWriter, r *http.Request) *chat {
	clientID := ""
	if c, err := r.Cookie(ClientCookieName); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			clientID = c.Value
		}
	}
	if clientID == "" {
		clientID = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     ClientCookieName,
			Value:    clientID,
			Path:     "/",
			MaxAge:   int(clientCookieTTL.Seconds()),
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}

	key := "web:" + clientID
	cookies := sessionstore.New(sessionstore.NewCookieBackend(w, r, r.TLS != nil), sessionstore.CookieName,
		sessionstore.WithTTL(s.config.SessionTTL))

	if _, ok := s.registry.Lookup(key); !ok {
		if id, ok := cookies.Read(r.Context()); ok {
			s.registry.Seed(r.Context(), key, id)
		}
	}
	return &chat{key: key, controller: s.registry.Get(key), cookies: cookies}
}

// respond syncs the threadId cookie with the controller and writes snap.
func (c *chat) respond(w http.ResponseWriter, r *http.Request, status int, snap conversation.Snapshot) {
	c.sync(r.Context(), snap)
	writeJSON(w, status, snap)
}

func (c *chat) sync(ctx context.Context, snap conversation.Snapshot) {
	if snap.ThreadID != "" {
		c.cookies.Write(ctx, snap.ThreadID)
	} else {
		c.cookies.Clear(ctx)
	}
}

// --- Handlers ---

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c := s.mount(w, r)
	c.respond(w, r, http.StatusOK, c.controller.Snapshot())
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	c := s.mount(w, r)
	s.registry.Remove(c.key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c := s.mount(w, r)
	c.controller.InputChange(req.Input)
	c.respond(w, r, http.StatusOK, c.controller.Snapshot())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c := s.mount(w, r)
	if req.Input != nil {
		c.controller.InputChange(*req.Input)
	}

	done, err := c.controller.TrySubmit()
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		c.respond(w, r, http.StatusAccepted, c.controller.Snapshot())
		return
	}
	select {
	case <-done:
		c.respond(w, r, http.StatusOK, c.controller.Snapshot())
	case <-r.Context().Done():
		// The submission carries on; the client can poll or listen for events.
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	c := s.mount(w, r)
	c.controller.Stop()
	c.respond(w, r, http.StatusOK, c.controller.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c := s.mount(w, r)
	snap := c.controller.Snapshot()
	c.sync(r.Context(), snap)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := c.controller.Subscribe()
	defer c.controller.Unsubscribe(ch)

	s.writeSSE(w, snap)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			s.writeSSE(w, snap)
			flusher.Flush()
		}
	}
}

// handleGenerate is the stateless entry point: one gateway call, no
// controller state.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := s.gateway.SubmitTurn(r.Context(), req.Messages, req.ThreadID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, assistant.ErrNoUserTurn) {
			status = http.StatusBadRequest
		}
		s.logger.Error().Err(err).Msg("generate failed")
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// --- Helpers ---

// submitStatus maps a refused submission to its HTTP status.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeSSE(w http.ResponseWriter, snap conversation.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding snapshot")
		return
	}
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
}
