package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/assistchat/internal/assistant"
	"github.com/jxucoder/assistchat/internal/sessionstore"
	"github.com/jxucoder/assistchat/model"
)

type call struct {
	turns     []model.Turn
	sessionID string
}

type outcome struct {
	reply *assistant.Reply
	err   error
}

// scriptedGateway answers each SubmitTurn with the next queued outcome. When
// hold is set, call i blocks until release(i).
type scriptedGateway struct {
	mu       sync.Mutex
	outcomes []outcome
	calls    []call
	hold     bool
	holds    []chan struct{}
	started  chan struct{}
}

func newScriptedGateway(outcomes ...outcome) *scriptedGateway {
	return &scriptedGateway{outcomes: outcomes, started: make(chan struct{}, 16)}
}

func (g *scriptedGateway) SubmitTurn(ctx context.Context, turns []model.Turn, sessionID string) (*assistant.Reply, error) {
	g.mu.Lock()
	g.calls = append(g.calls, call{turns: turns, sessionID: sessionID})
	var out outcome
	if len(g.outcomes) > 0 {
		out = g.outcomes[0]
		g.outcomes = g.outcomes[1:]
	} else {
		out = outcome{err: errors.New("no scripted outcome")}
	}
	var held chan struct{}
	if g.hold {
		held = make(chan struct{})
		g.holds = append(g.holds, held)
	}
	g.mu.Unlock()

	g.started <- struct{}{}
	if held != nil {
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out.reply, out.err
}

func (g *scriptedGateway) release(i int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.holds[i])
}

func (g *scriptedGateway) recorded() []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]call(nil), g.calls...)
}

func success(text, sessionID string) outcome {
	return outcome{reply: &assistant.Reply{Text: text, SessionID: sessionID}}
}

func failure(msg string) outcome {
	return outcome{err: &assistant.Error{Op: assistant.OpPoll, Status: assistant.RunFailed, Err: errors.New(msg)}}
}

func newMemoryStore(t *testing.T) (*sessionstore.MemoryBackend, *sessionstore.KeyedStore) {
	t.Helper()
	backend := sessionstore.NewMemoryBackend()
	return backend, sessionstore.New(backend, "test")
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	require.NotNil(t, done, "submission was not accepted")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submission did not finish")
	}
}

func waitStarted(t *testing.T, g *scriptedGateway) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway was not called")
	}
}

func TestSubmitSuccess(t *testing.T) {
	gw := newScriptedGateway(success("Hi there", "sess_abc"))
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	c.InputChange("Hello")
	waitDone(t, c.Submit())

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, model.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "Hello", snap.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "Hi there", snap.Messages[1].Content)
	assert.False(t, snap.IsLoading)
	assert.Empty(t, snap.Input)
	assert.Equal(t, "sess_abc", snap.ThreadID)
	require.NotNil(t, snap.LastCompletedAssistantMessage)
	assert.Equal(t, "Hi there", snap.LastCompletedAssistantMessage.Content)

	id, ok := store.Read(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "sess_abc", id)

	calls := gw.recorded()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].sessionID)
	require.Len(t, calls[0].turns, 1)
	assert.Equal(t, "Hello", calls[0].turns[0].Content)
}

func TestSubmitFailureClearsSession(t *testing.T) {
	gw := newScriptedGateway(failure("run ended with status: failed"))
	_, store := newMemoryStore(t)
	store.Write(context.Background(), "thread_old")
	c := NewController(gw, store)
	defer c.Close()

	require.Equal(t, "thread_old", c.Snapshot().ThreadID)

	c.InputChange("Hello")
	waitDone(t, c.Submit())

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, model.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, model.FallbackReply, snap.Messages[1].Content)
	assert.False(t, snap.IsLoading)
	assert.Empty(t, snap.ThreadID)
	assert.Nil(t, snap.LastCompletedAssistantMessage)

	_, ok := store.Read(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "thread_old", gw.recorded()[0].sessionID)
}

func TestMalformedStoredSessionIsIgnored(t *testing.T) {
	backend, store := newMemoryStore(t)
	require.NoError(t, backend.Set(context.Background(), "test", "null", time.Time{}))

	gw := newScriptedGateway(success("Hi", "thread_new"))
	c := NewController(gw, store)
	defer c.Close()

	assert.Empty(t, c.Snapshot().ThreadID)
	_, _, err := backend.Get(context.Background(), "test")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)

	c.InputChange("Hello")
	waitDone(t, c.Submit())

	assert.Empty(t, gw.recorded()[0].sessionID)
	id, ok := store.Read(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "thread_new", id)
}

func TestEmptyInputIsNoOp(t *testing.T) {
	gw := newScriptedGateway()
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	for _, input := range []string{"", "   ", "\n\t"} {
		c.InputChange(input)
		assert.Nil(t, c.Submit(), "input %q", input)
	}

	snap := c.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.IsLoading)
	assert.Empty(t, gw.recorded())
}

func TestSubmitTrimsInput(t *testing.T) {
	gw := newScriptedGateway(success("ok", "thread_1"))
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	c.InputChange("  Hello  ")
	waitDone(t, c.Submit())
	assert.Equal(t, "Hello", c.Snapshot().Messages[0].Content)
}

func TestSubmitWhileBusyIsNoOp(t *testing.T) {
	gw := newScriptedGateway(success("first", "thread_1"), success("second", "thread_1"))
	gw.hold = true
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	c.InputChange("one")
	done := c.Submit()
	require.NotNil(t, done)
	waitStarted(t, gw)

	snap := c.Snapshot()
	assert.True(t, snap.IsLoading)
	require.Len(t, snap.Messages, 1)
	assert.Empty(t, snap.Input)

	c.InputChange("two")
	assert.Nil(t, c.Submit())
	_, err := c.Ask(context.Background(), "three")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, c.Snapshot().Messages, 1)

	gw.release(0)
	waitDone(t, done)
	assert.Len(t, c.Snapshot().Messages, 2)
	assert.Len(t, gw.recorded(), 1)
}

func TestStopKeepsLateReply(t *testing.T) {
	gw := newScriptedGateway(success("late", "thread_1"))
	gw.hold = true
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	c.InputChange("Hello")
	done := c.Submit()
	waitStarted(t, gw)

	c.Stop()
	snap := c.Snapshot()
	assert.False(t, snap.IsLoading)
	assert.Len(t, snap.Messages, 1)

	gw.release(0)
	waitDone(t, done)

	snap = c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "late", snap.Messages[1].Content)
	assert.Equal(t, "thread_1", snap.ThreadID)
}

func TestLateReplyDoesNotEndNewerSubmission(t *testing.T) {
	gw := newScriptedGateway(success("first", "thread_1"), success("second", "thread_1"))
	gw.hold = true
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	c.InputChange("one")
	first := c.Submit()
	waitStarted(t, gw)
	c.Stop()

	c.InputChange("two")
	second := c.Submit()
	require.NotNil(t, second)
	waitStarted(t, gw)

	gw.release(0)
	waitDone(t, first)
	snap := c.Snapshot()
	assert.True(t, snap.IsLoading)
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "first", snap.Messages[2].Content)

	gw.release(1)
	waitDone(t, second)

	snap = c.Snapshot()
	assert.False(t, snap.IsLoading)
	assert.Len(t, snap.Messages, 4)
}

func TestLogGrowsByTwoPerSubmission(t *testing.T) {
	gw := newScriptedGateway(
		success("a", "thread_1"),
		failure("boom"),
		success("c", "thread_2"),
	)
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	for i, text := range []string{"one", "two", "three"} {
		c.InputChange(text)
		waitDone(t, c.Submit())
		snap := c.Snapshot()
		assert.Len(t, snap.Messages, 2*(i+1))
		assert.False(t, snap.IsLoading)
	}

	calls := gw.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, "thread_1", calls[1].sessionID)
	assert.Empty(t, calls[2].sessionID, "failure clears the session")
	assert.Len(t, calls[2].turns, 5)
	assert.Equal(t, "thread_2", c.Snapshot().ThreadID)
}

func TestInvalidReplySessionIsNotPersisted(t *testing.T) {
	gw := newScriptedGateway(success("hi", "undefined"))
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	c.InputChange("Hello")
	waitDone(t, c.Submit())

	assert.Empty(t, c.Snapshot().ThreadID)
	_, ok := store.Read(context.Background())
	assert.False(t, ok)
}

func TestAskReturnsProducedTurn(t *testing.T) {
	gw := newScriptedGateway(success("Hi there", "thread_1"), failure("boom"))
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	turn, err := c.Ask(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", turn.Content)

	turn, err = c.Ask(context.Background(), "Again")
	require.NoError(t, err)
	assert.Equal(t, model.FallbackReply, turn.Content)

	_, err = c.Ask(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestAskHonorsContext(t *testing.T) {
	gw := newScriptedGateway(success("slow", "thread_1"))
	gw.hold = true
	_, store := newMemoryStore(t)
	c := NewController(gw, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Ask(ctx, "Hello")
	assert.ErrorIs(t, err, context.Canceled)

	// Abandoning the wait leaves the submission running.
	waitStarted(t, gw)
	assert.True(t, c.Snapshot().IsLoading)
	c.Close()
}

func TestCloseMidSubmissionKeepsThread(t *testing.T) {
	gw := newScriptedGateway(success("Hi", "thread_1"), success("never", "thread_1"))
	_, store := newMemoryStore(t)
	c := NewController(gw, store)

	_, err := c.Ask(context.Background(), "Hello")
	require.NoError(t, err)

	gw.mu.Lock()
	gw.hold = true
	gw.mu.Unlock()

	asked := make(chan error, 1)
	go func() {
		_, err := c.Ask(context.Background(), "Again")
		asked <- err
	}()
	waitStarted(t, gw)
	waitStarted(t, gw)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the call unwound")
	}

	select {
	case err := <-asked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after Close")
	}

	id, ok := store.Read(context.Background())
	require.True(t, ok, "thread handle was dropped on close")
	assert.Equal(t, "thread_1", id)

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "Again", snap.Messages[2].Content)
	assert.Equal(t, "thread_1", snap.ThreadID)
}

func TestSubmitAfterClose(t *testing.T) {
	_, store := newMemoryStore(t)
	c := NewController(newScriptedGateway(), store)
	c.Close()

	c.InputChange("Hello")
	done, err := c.TrySubmit()
	assert.Nil(t, done)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.Ask(context.Background(), "Hello")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTrySubmitReasons(t *testing.T) {
	gw := newScriptedGateway(success("Hi", "thread_1"))
	gw.hold = true
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	_, err := c.TrySubmit()
	assert.ErrorIs(t, err, ErrEmptyInput)

	c.InputChange("Hello")
	done, err := c.TrySubmit()
	require.NoError(t, err)
	waitStarted(t, gw)

	c.InputChange("More")
	_, err = c.TrySubmit()
	assert.ErrorIs(t, err, ErrBusy)

	gw.release(0)
	waitDone(t, done)
}

// slowStore blocks every write until released.
type slowStore struct {
	sessionstore.Store
	gate chan struct{}
}

func (s *slowStore) Write(ctx context.Context, id string) {
	<-s.gate
	s.Store.Write(ctx, id)
}

func TestSnapshotDoesNotWaitOnStore(t *testing.T) {
	gw := newScriptedGateway(success("Hi", "thread_1"))
	_, mem := newMemoryStore(t)
	store := &slowStore{Store: mem, gate: make(chan struct{})}
	c := NewController(gw, store)
	defer c.Close()

	c.InputChange("Hello")
	done := c.Submit()
	require.NotNil(t, done)

	require.Eventually(t, func() bool {
		return len(c.Snapshot().Messages) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, c.Snapshot().IsLoading)

	close(store.gate)
	waitDone(t, done)
	id, ok := mem.Read(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "thread_1", id)
}

func TestSubscribeSeesTransitions(t *testing.T) {
	gw := newScriptedGateway(success("Hi", "thread_1"))
	_, store := newMemoryStore(t)
	c := NewController(gw, store)
	defer c.Close()

	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	c.InputChange("Hello")
	waitDone(t, c.Submit())

	var seen []Snapshot
	for len(seen) < 3 {
		select {
		case snap := <-ch:
			seen = append(seen, snap)
		case <-time.After(5 * time.Second):
			t.Fatalf("only saw %d updates", len(seen))
		}
	}
	assert.Equal(t, "Hello", seen[0].Input)
	assert.True(t, seen[1].IsLoading)
	assert.Len(t, seen[1].Messages, 1)
	assert.False(t, seen[2].IsLoading)
	assert.Len(t, seen[2].Messages, 2)
}

func TestIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	_, store := newMemoryStore(t)
	c := NewController(newScriptedGateway(), store, WithClock(clock))
	defer c.Close()

	assert.False(t, c.Idle(time.Minute))
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	assert.True(t, c.Idle(time.Minute))
}
