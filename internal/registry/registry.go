// Package registry installs worker versions and hands control of attached
// clients from one version to the next.
//
// A new version is installed whenever the worker manifest changes at the
// byte level. Once installed it either activates straight away or waits in
// the "waiting" slot for a skip-waiting message. Activation sweeps the
// partitions of every other version, retires the previous worker and makes
// the new one the controller of every attached client.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/watch"
	"github.com/Kush-Singh-26/handoffcache/internal/worker"
)

var ErrClosed = errors.New("registry closed")

// Factory builds a worker for a manifest. The worker must be in the
// installing state.
type Factory func(m *Manifest) (*worker.Worker, error)

// Registry tracks the active and waiting workers for one scope.
type Registry struct {
	source  Source
	factory Factory
	log     *slog.Logger

	updateMu   sync.Mutex // serializes Update
	activateMu sync.Mutex // serializes activation

	mu      sync.Mutex
	hash    string
	active  *worker.Worker
	waiting *worker.Worker
	workers []*worker.Worker
	clients map[*ClientContext]struct{}
	closed  bool
}

// New creates an empty registry. Nothing is installed until Update.
func New(source Source, factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		source:  source,
		factory: factory,
		log:     logger,
		clients: make(map[*ClientContext]struct{}),
	}
}

// Update checks the source for a new worker script. It reports whether a
// new worker was installed; an unchanged script is a no-op.
func (r *Registry) Update(ctx context.Context) (bool, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	script, err := r.source.Load()
	if err != nil {
		return false, err
	}
	hash := cachestore.HashContent(script)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	unchanged := hash == r.hash
	r.mu.Unlock()
	if unchanged {
		return false, nil
	}

	m, err := ParseManifest(script)
	if err != nil {
		return false, err
	}
	w, err := r.factory(m)
	if err != nil {
		return false, fmt.Errorf("failed to create worker %s: %w", m.Version, err)
	}

	r.mu.Lock()
	r.workers = append(r.workers, w)
	r.mu.Unlock()

	r.broadcast(ClientEvent{Type: EventStateChange, Version: m.Version, State: worker.StateInstalling})
	if err := w.Install(ctx); err != nil {
		w.Retire()
		return false, fmt.Errorf("install %s: %w", m.Version, err)
	}
	w.SetSkipWaiting(func(ctx context.Context) error { return r.activate(ctx, w) })

	r.mu.Lock()
	r.hash = hash
	prev := r.waiting
	r.waiting = w
	hasActive := r.active != nil
	r.mu.Unlock()

	if prev != nil {
		prev.Retire()
		r.log.Info("Superseded waiting worker", "worker", prev.Version())
	}
	r.log.Info("Worker installed", "worker", m.Version)
	r.broadcast(ClientEvent{Type: EventStateChange, Version: m.Version, State: worker.StateInstalled})

	if w.ActivatesEagerly() || !hasActive {
		return true, r.activate(ctx, w)
	}
	return true, nil
}

// activate promotes w from waiting to active. It is a no-op if w is no
// longer the waiting worker.
func (r *Registry) activate(ctx context.Context, w *worker.Worker) error {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	r.mu.Lock()
	if r.waiting != w {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.broadcast(ClientEvent{Type: EventStateChange, Version: w.Version(), State: worker.StateActivating})
	if err := w.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", w.Version(), err)
	}

	r.mu.Lock()
	old := r.active
	r.active = w
	r.waiting = nil
	clients := r.snapshotClients()
	r.mu.Unlock()

	if old != nil {
		old.Retire()
	}
	r.log.Info("Worker activated", "worker", w.Version(), "clients", len(clients))
	r.broadcast(ClientEvent{Type: EventStateChange, Version: w.Version(), State: worker.StateActivated})

	for _, c := range clients {
		c.claim(w)
	}
	return nil
}

func (r *Registry) snapshotClients() []*ClientContext {
	clients := make([]*ClientContext, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// broadcast sends ev to every client. Called without r.mu held.
func (r *Registry) broadcast(ev ClientEvent) {
	r.mu.Lock()
	clients := r.snapshotClients()
	r.mu.Unlock()
	for _, c := range clients {
		c.deliver(ev)
	}
}

// Active returns the controlling worker, or nil.
func (r *Registry) Active() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registry) Waiting() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// SkipWaiting posts skip-waiting to the waiting worker, if any.
func (r *Registry) SkipWaiting(ctx context.Context) error {
	w := r.Waiting()
	if w == nil {
		return nil
	}
	msg, err := worker.NewMessage(worker.MsgSkipWaiting, nil)
	if err != nil {
		return err
	}
	return w.PostMessage(ctx, msg)
}

// Watch re-runs Update whenever the manifest file changes. It blocks until
// ctx is done.
func (r *Registry) Watch(ctx context.Context, path string, debounce time.Duration) error {
	w, err := watch.New([]string{path}, debounce, func(watch.Event) {
		installed, err := r.Update(ctx)
		if err != nil {
			r.log.Warn("Worker update failed", "manifest", path, "error", err)
			return
		}
		if installed {
			r.log.Info("Worker manifest changed", "manifest", path)
		}
	})
	if err != nil {
		return err
	}
	return w.Start(ctx)
}

// Close detaches every client and waits for all workers, retired ones
// included, to finish their background tasks.
func (r *Registry) Close() {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	r.closed = true
	workers := append([]*worker.Worker(nil), r.workers...)
	clients := r.snapshotClients()
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	for _, w := range workers {
		w.Wait()
	}
}
