// Package conversation holds the client-visible state of a chat: the turn
// log, the pending input, the in-flight flag and the thread handle.
//
// A Controller appends the user's turn optimistically, hands the log to the
// assistant gateway in the background, and applies the outcome when it
// arrives: the reply on success, a fixed fallback turn on failure. Every
// submission therefore adds exactly two turns to the log.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jxucoder/assistchat/internal/assistant"
	"github.com/jxucoder/assistchat/internal/sessionstore"
	"github.com/jxucoder/assistchat/model"
)

var (
	// ErrEmptyInput is returned when there is nothing to submit.
	ErrEmptyInput = errors.New("input is empty")
	// ErrBusy is returned while a submission is in flight.
	ErrBusy = errors.New("a submission is already in flight")
	// ErrClosed is returned once the controller has been unmounted.
	ErrClosed = errors.New("conversation is closed")
)

// storeTimeout bounds each Session Store call made while applying an outcome.
const storeTimeout = 5 * time.Second

// Submitter is the part of the assistant gateway a Controller uses.
type Submitter interface {
	SubmitTurn(ctx context.Context, turns []model.Turn, sessionID string) (*assistant.Reply, error)
}

// Snapshot is a copy of a Controller's state, shaped for rendering.
type Snapshot struct {
	Messages                      []model.Turn `json:"messages"`
	Input                         string       `json:"input"`
	ThreadID                      string       `json:"threadId,omitempty"`
	IsLoading                     bool         `json:"isLoading"`
	LastCompletedAssistantMessage *model.Turn  `json:"lastCompletedAssistantMessage,omitempty"`
}

// Controller is the conversation state machine: idle while busy is false,
// submitting while it is true.
type Controller struct {
	gateway Submitter
	store   sessionstore.Store
	feed    *Feed
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	turns         []model.Turn
	input         string
	sessionID     string
	busy          bool
	generation    uint64
	lastAssistant *model.Turn
	lastActive    time.Time
	now           func() time.Time
	storeSeq      uint64

	// storeMu serializes Session Store writes outside mu; storedSeq is the
	// newest outcome persisted so far.
	storeMu   sync.Mutex
	storedSeq uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock replaces time.Now for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController mounts a controller. Its thread handle is seeded from store.
func NewController(gateway Submitter, store sessionstore.Store, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		gateway: gateway,
		store:   store,
		feed:    NewFeed(),
		logger:  log.Logger,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "conversation").Logger()
	c.lastActive = c.now()

	readCtx, readCancel := context.WithTimeout(ctx, storeTimeout)
	defer readCancel()
	if id, ok := store.Read(readCtx); ok {
		c.sessionID = id
	}
	return c
}

// InputChange records the pending input. It is accepted in any state; callers
// should disable input while IsLoading is true.
func (c *Controller) InputChange(text string) {
	c.mu.Lock()
	c.input = text
	c.lastActive = c.now()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.feed.Publish(snap)
}

// Submit sends the pending input. It returns nil without touching state when
// the input is blank or a submission is already in flight. Otherwise the
// returned channel is closed once the outcome has been applied.
func (c *Controller) Submit() <-chan struct{} {
	done, err := c.TrySubmit()
	if err != nil {
		return nil
	}
	return done
}

// TrySubmit is Submit with the reason for a refusal: ErrEmptyInput, ErrBusy
// or ErrClosed.
func (c *Controller) TrySubmit() (<-chan struct{}, error) {
	p, err := c.submit(nil)
	if err != nil {
		return nil, err
	}
	return p.done, nil
}

// Ask submits text directly, bypassing the pending input, and waits for the
// turn it produces: the assistant's reply or the fallback turn. ctx only
// bounds the wait; the submission itself keeps going if ctx ends first. If
// the controller is closed before the outcome arrives, Ask returns ErrClosed.
func (c *Controller) Ask(ctx context.Context, text string) (model.Turn, error) {
	p, err := c.submit(&text)
	if err != nil {
		return model.Turn{}, err
	}
	select {
	case <-p.done:
		return p.turn, p.err
	case <-ctx.Done():
		return model.Turn{}, ctx.Err()
	}
}

// Stop returns the controller to idle without cancelling the in-flight call.
// Its outcome is still appended when it arrives.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.busy = false
	c.lastActive = c.now()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.feed.Publish(snap)
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel of state changes.
func (c *Controller) Subscribe() chan Snapshot { return c.feed.Subscribe() }

// Unsubscribe releases a channel returned by Subscribe.
func (c *Controller) Unsubscribe(ch chan Snapshot) { c.feed.Unsubscribe(ch) }

// Idle reports whether nothing is in flight and nothing has happened for d.
func (c *Controller) Idle(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.busy && c.now().Sub(c.lastActive) >= d
}

// Close unmounts the controller. Unlike Stop it cancels any in-flight gateway
// call, and it waits for that call to unwind. A call cut short this way
// leaves the log and the thread handle in the store untouched.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
	c.feed.Close()
}

type pending struct {
	done chan struct{}
	turn model.Turn
	err  error
}

func (c *Controller) submit(text *string) (*pending, error) {
	c.mu.Lock()
	if text != nil {
		c.input = *text
	}
	content := strings.TrimSpace(c.input)
	if content == "" {
		c.mu.Unlock()
		return nil, ErrEmptyInput
	}
	if c.busy {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	c.turns = append(c.turns, model.NewTurn(model.RoleUser, content))
	c.input = ""
	c.busy = true
	c.generation++
	c.lastActive = c.now()
	gen := c.generation
	turns := append([]model.Turn(nil), c.turns...)
	sessionID := c.sessionID
	snap := c.snapshotLocked()
	p := &pending{done: make(chan struct{})}
	c.wg.Add(1)
	c.mu.Unlock()

	c.feed.Publish(snap)
	go c.run(p, gen, turns, sessionID)
	return p, nil
}

func (c *Controller) run(p *pending, gen uint64, turns []model.Turn, sessionID string) {
	defer c.wg.Done()
	defer close(p.done)

	reply, err := c.gateway.SubmitTurn(c.ctx, turns, sessionID)
	if err != nil && c.ctx.Err() != nil {
		// Unmounted mid-call: not a failure of the thread.
		c.logger.Debug().Err(err).Msg("submission abandoned on close")
		p.err = ErrClosed
		return
	}

	c.mu.Lock()
	persist := true
	if err != nil {
		c.logger.Error().Err(err).Msg("assistant error")
		p.turn = model.NewTurn(model.RoleAssistant, model.FallbackReply)
		c.turns = append(c.turns, p.turn)
		c.sessionID = ""
	} else {
		p.turn = model.NewTurn(model.RoleAssistant, reply.Text)
		c.turns = append(c.turns, p.turn)
		last := p.turn
		c.lastAssistant = &last
		if sessionstore.Valid(reply.SessionID) {
			c.sessionID = reply.SessionID
		} else {
			persist = false
		}
	}
	// A newer submission may have started after Stop; leave its flag alone.
	if gen == c.generation {
		c.busy = false
	}
	c.lastActive = c.now()
	c.storeSeq++
	seq, id := c.storeSeq, c.sessionID
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.feed.Publish(snap)
	if persist {
		c.persist(seq, id)
	}
}

// persist mirrors id (or its absence) into the Session Store. seq orders
// concurrent outcomes so an older one never overwrites a newer one.
func (c *Controller) persist(seq uint64, id string) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if seq < c.storedSeq {
		return
	}
	c.storedSeq = seq

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if id == "" {
		c.store.Clear(ctx)
	} else {
		c.store.Write(ctx, id)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Messages:  append([]model.Turn{}, c.turns...),
		Input:     c.input,
		ThreadID:  c.sessionID,
		IsLoading: c.busy,
	}
	if c.lastAssistant != nil {
		last := *c.lastAssistant
		snap.LastCompletedAssistantMessage = &last
	}
	return snap
}
