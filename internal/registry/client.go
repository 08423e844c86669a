package registry

import (
	"context"
	"sync"

	"github.com/Kush-Singh-26/handoffcache/internal/worker"
)

// ClientEventType names a registration event seen by a client.
type ClientEventType string

const (
	EventStateChange      ClientEventType = "statechange"
	EventControllerChange ClientEventType = "controllerchange"
)

// ClientEvent is delivered to every attached client. Controller is the
// version controlling that client when the event was sent ("" if none).
type ClientEvent struct {
	Type       ClientEventType `json:"type"`
	Version    string          `json:"version"`
	State      worker.State    `json:"state,omitempty"`
	Controller string          `json:"controller,omitempty"`
}

const clientBuffer = 16

// ClientContext is one UI context attached to the registry.
type ClientContext struct {
	r      *Registry
	mu     sync.Mutex
	ctrl   *worker.Worker
	events chan ClientEvent
	closed bool
}

// Connect attaches a client. It is controlled by the active worker, if any.
func (r *Registry) Connect() *ClientContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &ClientContext{
		r:      r,
		ctrl:   r.active,
		events: make(chan ClientEvent, clientBuffer),
	}
	if r.closed {
		c.closed = true
		close(c.events)
		return c
	}
	r.clients[c] = struct{}{}
	return c
}

// Controller returns the worker controlling this client, or nil.
func (c *ClientContext) Controller() *worker.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl
}

// ControllerVersion returns the controlling version, or "".
func (c *ClientContext) ControllerVersion() string {
	if w := c.Controller(); w != nil {
		return w.Version()
	}
	return ""
}

// Register asks the registry to check for a new worker script.
func (c *ClientContext) Register(ctx context.Context) error {
	_, err := c.r.Update(ctx)
	return err
}

// SkipWaiting asks the waiting worker to activate.
func (c *ClientContext) SkipWaiting(ctx context.Context) error {
	return c.r.SkipWaiting(ctx)
}

// Events returns the registration event stream. It is closed by Close.
func (c *ClientContext) Events() <-chan ClientEvent {
	return c.events
}

// Close detaches the client.
func (c *ClientContext) Close() {
	c.r.mu.Lock()
	delete(c.r.clients, c)
	c.r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *ClientContext) deliver(ev ClientEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.ctrl != nil {
		ev.Controller = c.ctrl.Version()
	}
	select {
	case c.events <- ev:
	default:
		// Client buffer full, skip
	}
}

func (c *ClientContext) claim(w *worker.Worker) {
	c.mu.Lock()
	if c.ctrl == w {
		c.mu.Unlock()
		return
	}
	c.ctrl = w
	c.mu.Unlock()
	c.deliver(ClientEvent{Type: EventControllerChange, Version: w.Version()})
}
