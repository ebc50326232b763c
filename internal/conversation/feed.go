package conversation

import "sync"

// Feed fans Snapshots out to subscribers. Slow subscribers miss updates
// rather than block the controller.
type Feed struct {
	mu     sync.RWMutex
	subs   []chan Snapshot
	closed bool
}

// NewFeed creates an empty Feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Subscribe returns a channel that receives every published Snapshot.
// The channel is closed by Unsubscribe or Close.
func (f *Feed) Subscribe() chan Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Snapshot, 16)
	if f.closed {
		close(ch)
		return ch
	}
	f.subs = append(f.subs, ch)
	return ch
}

// Unsubscribe removes ch and closes it.
func (f *Feed) Unsubscribe(ch chan Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, s := range f.subs {
		if s == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends snap to all subscribers.
func (f *Feed) Publish(snap Snapshot) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subs {
		select {
		case ch <- snap:
		default:
			// Drop if the subscriber is too slow.
		}
	}
}

// Close closes every subscription. Later subscribers get a closed channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
	f.closed = true
}
