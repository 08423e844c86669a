// Package client is the UI-side half of worker registration: it registers
// the worker, surfaces "update available" once per new version, activates
// an update on request and reloads once when control changes hands.
package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Kush-Singh-26/handoffcache/internal/registry"
	"github.com/Kush-Singh-26/handoffcache/internal/worker"
)

// UpdateState is the UI's view of a pending update. It lives only for the
// session.
type UpdateState string

const (
	UpdateNone       UpdateState = "none"
	UpdateAvailable  UpdateState = "update-available"
	UpdateActivating UpdateState = "activating"
)

// Container is the registration surface the UI talks to.
// *registry.ClientContext satisfies it.
type Container interface {
	Register(ctx context.Context) error
	ControllerVersion() string
	SkipWaiting(ctx context.Context) error
	Events() <-chan registry.ClientEvent
}

// Controller drives registration for one UI context.
type Controller struct {
	container Container
	log       *slog.Logger

	mu         sync.Mutex
	registered bool
	state      UpdateState
	announced  map[string]bool
	onUpdate   []func(version string)
	reload     func()
	reloaded   bool
	done       chan struct{}
}

// New creates a controller. A nil container means workers are unsupported
// in this environment and every operation is a no-op.
func New(container Container, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		container: container,
		log:       logger,
		state:     UpdateNone,
		announced: make(map[string]bool),
	}
}

// Supported reports whether a worker container is available.
func (c *Controller) Supported() bool {
	return c.container != nil
}

// Register registers the worker once. Later calls, and calls without a
// container, do nothing.
func (c *Controller) Register(ctx context.Context) error {
	if c.container == nil {
		c.log.Debug("Offline worker not supported, skipping registration")
		return nil
	}

	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		return nil
	}
	c.registered = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.listen(c.container.Events(), c.done)

	if err := c.container.Register(ctx); err != nil {
		c.log.Warn("Worker registration failed", "error", err)
		return err
	}
	return nil
}

// OnUpdateAvailable adds a callback fired once per newly installed version
// while an older version controls this UI context.
func (c *Controller) OnUpdateAvailable(cb func(version string)) {
	c.mu.Lock()
	c.onUpdate = append(c.onUpdate, cb)
	c.mu.Unlock()
}

// ActivateUpdate tells the waiting worker to take over. It only acts while
// an update is available.
func (c *Controller) ActivateUpdate(ctx context.Context) error {
	if c.container == nil {
		return nil
	}
	c.mu.Lock()
	if c.state != UpdateAvailable {
		state := c.state
		c.mu.Unlock()
		c.log.Debug("No update to activate", "state", state)
		return nil
	}
	c.state = UpdateActivating
	c.mu.Unlock()
	return c.container.SkipWaiting(ctx)
}

// SetupReloadOnControllerChange calls reload the first time another worker
// takes control. Later controller changes in the same session are ignored.
func (c *Controller) SetupReloadOnControllerChange(reload func()) {
	c.mu.Lock()
	c.reload = reload
	c.mu.Unlock()
}

// State returns the current update state.
func (c *Controller) State() UpdateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks until the container's event stream ends.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) listen(events <-chan registry.ClientEvent, done chan struct{}) {
	defer close(done)
	for ev := range events {
		switch ev.Type {
		case registry.EventStateChange:
			if ev.State == worker.StateInstalled {
				c.installed(ev)
			}
		case registry.EventControllerChange:
			c.controllerChanged(ev)
		}
	}
}

func (c *Controller) installed(ev registry.ClientEvent) {
	// First install: nothing to update from.
	if ev.Controller == "" || ev.Controller == ev.Version {
		return
	}

	c.mu.Lock()
	if c.announced[ev.Version] {
		c.mu.Unlock()
		return
	}
	c.announced[ev.Version] = true
	if c.state == UpdateNone {
		c.state = UpdateAvailable
	}
	callbacks := append([]func(string){}, c.onUpdate...)
	c.mu.Unlock()

	c.log.Info("Update available", "version", ev.Version, "controller", ev.Controller)
	for _, cb := range callbacks {
		cb(ev.Version)
	}
}

func (c *Controller) controllerChanged(ev registry.ClientEvent) {
	c.mu.Lock()
	c.state = UpdateNone
	reload := c.reload
	fire := reload != nil && !c.reloaded
	if fire {
		c.reloaded = true
	}
	c.mu.Unlock()

	c.log.Info("Controller changed", "version", ev.Version)
	if fire {
		reload()
	}
}
