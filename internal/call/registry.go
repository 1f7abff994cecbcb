package call

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrDuplicateCall is returned by [Registry.Put] when a call with the same ID
// is already active.
var ErrDuplicateCall = errors.New("call: duplicate call id")

// Registry maps call IDs to active calls. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Put registers c. It fails with [ErrDuplicateCall] when c.ID is already
// active.
func (r *Registry) Put(c *Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.ID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateCall, c.ID)
	}
	r.calls[c.ID] = c
	return nil
}

// Get returns the active call with the given ID.
func (r *Registry) Get(id string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	return c, ok
}

// Remove deletes the call with the given ID without touching its stream.
// Use [Registry.Close] to tear a call down.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, id)
}

// Len returns the number of active calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// IDs returns the IDs of all active calls in lexical order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.calls))
	for id := range r.calls {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// AttachStream installs s as the live stream of call id. It reports false and
// leaves the registry untouched when the call is absent or closed; the caller
// then owns s and must destroy it. A previously attached stream is returned
// so the caller can tear it down.
func (r *Registry) AttachStream(id string, s Stream) (prev Stream, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.calls[id]
	if !found || c.Closed() {
		return nil, false
	}
	prev = c.stream
	c.stream = s
	return prev, true
}

// DetachStream clears the live stream of call id if it is still s. It reports
// whether s was detached.
func (r *Registry) DetachStream(id string, s Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.calls[id]
	if !found || c.stream == nil || c.stream != s {
		return false
	}
	c.stream = nil
	return true
}

// Stream returns the live stream of call id, or nil when there is none.
func (r *Registry) Stream(id string) Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.calls[id]
	if !found || c.Closed() {
		return nil
	}
	return c.stream
}

// Close marks call id closed, removes it and returns it together with its
// live stream, all in one step. It reports false when the call is absent.
// The closed flag is set exactly once.
func (r *Registry) Close(id string) (*Call, Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.calls[id]
	if !found {
		return nil, nil, false
	}
	c.closed.Store(true)
	s := c.stream
	c.stream = nil
	delete(r.calls, id)
	return c, s, true
}
