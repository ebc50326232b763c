package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jxucoder/assistchat/internal/sessionstore"
)

// StoreFactory returns the Session Store for a conversation key.
type StoreFactory func(key string) sessionstore.Store

// Registry owns one Controller per conversation key, mounting them on first
// use. Keys look like "web:<client>", "slack:<channel>:<ts>",
// "telegram:<chat>" or "cli:<name>".
type Registry struct {
	gateway Submitter
	stores  StoreFactory
	opts    []Option

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistry creates an empty Registry. opts apply to every controller it
// mounts.
func NewRegistry(gateway Submitter, stores StoreFactory, opts ...Option) *Registry {
	return &Registry{
		gateway:     gateway,
		stores:      stores,
		opts:        opts,
		controllers: make(map[string]*Controller),
	}
}

// Get returns the controller for key, mounting it if needed.
func (r *Registry) Get(key string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[key]; ok {
		return c
	}
	c := NewController(r.gateway, r.stores(key), r.opts...)
	r.controllers[key] = c
	return c
}

// Seed writes id into key's store so the controller mounted next for key
// resumes that thread. It does nothing while a controller is mounted.
func (r *Registry) Seed(ctx context.Context, key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.controllers[key]; ok {
		return
	}
	r.stores(key).Write(ctx, id)
}

// Lookup returns the controller for key if it is mounted.
func (r *Registry) Lookup(key string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[key]
	return c, ok
}

// Remove unmounts the controller for key. It reports whether one existed.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	c, ok := r.controllers[key]
	delete(r.controllers, key)
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Forget unmounts key and clears its persisted thread handle, so the next
// submission for key starts a fresh thread.
func (r *Registry) Forget(ctx context.Context, key string) {
	r.Remove(key)
	r.stores(key).Clear(ctx)
}

// Keys returns the mounted keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.controllers))
	for k := range r.controllers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sweep unmounts controllers that have been idle for at least idle and
// returns how many it removed. Their thread handles stay in their stores.
func (r *Registry) Sweep(idle time.Duration) int {
	r.mu.Lock()
	var stale []*Controller
	for k, c := range r.controllers {
		if c.Idle(idle) {
			stale = append(stale, c)
			delete(r.controllers, k)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
	return len(stale)
}

// Close unmounts every controller.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.controllers
	r.controllers = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
