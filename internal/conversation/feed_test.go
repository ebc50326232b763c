package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedSubscribePublishUnsubscribe(t *testing.T) {
	f := NewFeed()
	ch := f.Subscribe()

	f.Publish(Snapshot{Input: "hi"})
	select {
	case snap := <-ch:
		assert.Equal(t, "hi", snap.Input)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	f.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestFeedDoesNotBlockOnSlowSubscriber(t *testing.T) {
	f := NewFeed()
	ch := f.Subscribe()
	defer f.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			f.Publish(Snapshot{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.Len(t, ch, cap(ch))
}

func TestFeedClose(t *testing.T) {
	f := NewFeed()
	ch := f.Subscribe()
	f.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late := f.Subscribe()
	_, ok = <-late
	require.False(t, ok)
	f.Publish(Snapshot{})
}
