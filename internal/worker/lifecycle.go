package worker

import (
	"context"
	"fmt"
)

// State is a worker's lifecycle position.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s (state is %s)", ErrInvalidTransition, from, to, w.state)
	}
	w.state = to
	return nil
}

// ActivatesEagerly reports whether the worker skips waiting right after
// install instead of waiting for a skip-waiting message.
func (w *Worker) ActivatesEagerly() bool {
	return !w.waitActivation
}

// SetSkipWaiting installs the hook that a skip-waiting message invokes.
func (w *Worker) SetSkipWaiting(fn func(context.Context) error) {
	w.mu.Lock()
	w.skipWaiting = fn
	w.mu.Unlock()
}

// Install dispatches the install event.
func (w *Worker) Install(ctx context.Context) error {
	_, err := w.Dispatch(ctx, &Event{Type: EventInstall})
	return err
}

// Activate dispatches the activate event.
func (w *Worker) Activate(ctx context.Context) error {
	_, err := w.Dispatch(ctx, &Event{Type: EventActivate})
	return err
}

// Retire marks a superseded worker redundant. Its pending tasks still run
// to completion.
func (w *Worker) Retire() {
	w.mu.Lock()
	w.state = StateRedundant
	w.mu.Unlock()
}

func (w *Worker) handleInstall(_ context.Context, _ *Event) (*Result, error) {
	if err := w.transition(StateInstalling, StateInstalled); err != nil {
		return nil, err
	}
	w.log.Info("Worker installed", "eager", w.ActivatesEagerly())
	return nil, nil
}

// handleActivate sweeps partitions from other versions before taking
// control. A failed partition delete never blocks activation.
func (w *Worker) handleActivate(_ context.Context, _ *Event) (*Result, error) {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}

	deleted, err := w.gen.DeleteObsolete()
	if err != nil {
		w.log.Warn("Partition cleanup incomplete", "error", err)
	}
	for _, name := range deleted {
		w.log.Info("Deleted obsolete partition", "partition", name)
	}

	if err := w.transition(StateActivating, StateActivated); err != nil {
		return nil, err
	}
	return nil, nil
}
