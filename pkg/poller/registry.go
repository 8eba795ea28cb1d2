package poller

import (
	"context"
	"sync"
)

// Registry keeps at most one active Controller per session.
//
// Starting a controller for a session that already has an active one stops
// the previous controller first.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Controller)}
}

// Start stops any active controller for c's session, then starts c.
func (r *Registry) Start(ctx context.Context, c *Controller) error {
	id := c.Handle().SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.active[id]; ok && prev != c {
		prev.Stop()
		delete(r.active, id)
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	r.active[id] = c

	go func() {
		<-c.Done()
		r.release(id, c)
	}()
	return nil
}

// Active returns the running controller for sessionID, if any.
func (r *Registry) Active(sessionID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.active[sessionID]
	if !ok || c.Stopped() {
		return nil, false
	}
	return c, true
}

// Stop stops the active controller for sessionID. It is a no-op when none
// is active.
func (r *Registry) Stop(sessionID string) {
	r.mu.Lock()
	c, ok := r.active[sessionID]
	delete(r.active, sessionID)
	r.mu.Unlock()

	if ok {
		c.Stop()
	}
}

// StopAll stops every active controller.
func (r *Registry) StopAll() {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range active {
		c.Stop()
	}
}

// Len returns the number of active controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.active {
		if !c.Stopped() {
			n++
		}
	}
	return n
}

func (r *Registry) release(id string, c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[id] == c {
		delete(r.active, id)
	}
}
