// Package worker is the offline caching worker: it answers intercepted
// fetches from the versioned cache partitions, keeps them warm from the
// network, and reacts to lifecycle, message, sync and push events.
//
// A Worker is the explicit context object for one worker version. Every
// event goes through Dispatch, which looks the handler up in a table keyed
// by event type. Work that must outlive the event (background refreshes)
// is registered with the worker's task group and drained by Wait.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/metrics"
	"github.com/Kush-Singh-26/handoffcache/internal/network"
	"github.com/Kush-Singh-26/handoffcache/internal/notify"
)

// EventType names a worker event.
type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventFetch    EventType = "fetch"
	EventMessage  EventType = "message"
	EventSync     EventType = "sync"
	EventPush     EventType = "push"
)

var (
	ErrUnknownEvent      = errors.New("unknown event")
	ErrUnknownMessage    = errors.New("unknown message type")
	ErrInvalidPayload    = errors.New("invalid message payload")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Event is one unit of work delivered to the worker.
type Event struct {
	Type    EventType
	Request *http.Request // fetch
	Message *Message      // message
	Tag     string        // sync
	Data    []byte        // push
}

// Result is what an event handler produced. Fetch events always yield
// either a Response or PassThrough.
type Result struct {
	Response    *network.Response
	PassThrough bool
}

// Handler processes one event type.
type Handler func(ctx context.Context, ev *Event) (*Result, error)

// Options configure a Worker.
type Options struct {
	Namespace         string
	Version           string
	WaitForActivation bool
	Origin            *url.URL // base for relative URLs in messages
	Store             *cachestore.Manager
	Fetcher           network.Fetcher
	Hub               *notify.Hub
	Metrics           *metrics.WorkerMetrics
	Now               func() time.Time
	PrecacheWorkers   int
	Logger            *slog.Logger
}

// Worker is one installed worker version.
type Worker struct {
	version         string
	waitActivation  bool
	origin          *url.URL
	gen             *cachestore.Generation
	primary         *cachestore.Partition
	audio           *cachestore.Partition
	fetcher         network.Fetcher
	hub             *notify.Hub
	metrics         *metrics.WorkerMetrics
	now             func() time.Time
	precacheWorkers int
	log             *slog.Logger
	tracer          trace.Tracer

	handlers    map[EventType]Handler
	tasks       sync.WaitGroup
	audioFlight singleflight.Group

	mu          sync.Mutex
	state       State
	skipWaiting func(context.Context) error
}

// New builds a worker in the installing state.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("worker: store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker: fetcher is required")
	}
	if opts.Namespace == "" || opts.Version == "" {
		return nil, errors.New("worker: namespace and version are required")
	}
	if opts.Hub == nil {
		opts.Hub = notify.NewHub(16)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	gen := opts.Store.Generation(opts.Namespace, opts.Version)
	w := &Worker{
		version:         opts.Version,
		waitActivation:  opts.WaitForActivation,
		origin:          opts.Origin,
		gen:             gen,
		primary:         gen.Open(cachestore.PurposePrimary),
		audio:           gen.Open(cachestore.PurposeAudio),
		fetcher:         opts.Fetcher,
		hub:             opts.Hub,
		metrics:         opts.Metrics,
		now:             opts.Now,
		precacheWorkers: opts.PrecacheWorkers,
		log:             opts.Logger.With("worker", opts.Version),
		tracer:          otel.Tracer("github.com/Kush-Singh-26/handoffcache/internal/worker"),
		state:           StateInstalling,
	}

	w.handlers = map[EventType]Handler{
		EventInstall:  w.handleInstall,
		EventActivate: w.handleActivate,
		EventFetch:    w.handleFetch,
		EventMessage:  w.handleMessage,
		EventSync:     w.handleSync,
		EventPush:     w.handlePush,
	}
	return w, nil
}

// Dispatch routes an event to its handler. Handler errors are logged here
// and returned.
func (w *Worker) Dispatch(ctx context.Context, ev *Event) (*Result, error) {
	h, ok := w.handlers[ev.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Type)
	}
	res, err := h(ctx, ev)
	if err != nil {
		w.log.Error("Event handler failed", "event", ev.Type, "error", err)
	}
	return res, err
}

// Fetch dispatches a fetch event. The result is never nil.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) *Result {
	res, err := w.Dispatch(ctx, &Event{Type: EventFetch, Request: req})
	if err != nil || res == nil {
		return &Result{PassThrough: true}
	}
	return res
}

// PostMessage dispatches a message event.
func (w *Worker) PostMessage(ctx context.Context, msg Message) error {
	_, err := w.Dispatch(ctx, &Event{Type: EventMessage, Message: &msg})
	return err
}

// Sync dispatches a background sync event for tag.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	_, err := w.Dispatch(ctx, &Event{Type: EventSync, Tag: tag})
	return err
}

// Push dispatches a push event carrying data.
func (w *Worker) Push(ctx context.Context, data []byte) error {
	_, err := w.Dispatch(ctx, &Event{Type: EventPush, Data: data})
	return err
}

// waitUntil runs fn in the background and keeps the worker alive until it
// finishes. A panic in fn is logged, never propagated.
func (w *Worker) waitUntil(fn func()) {
	w.tasks.Add(1)
	go func() {
		defer w.tasks.Done()
		defer func() {
			if p := recover(); p != nil {
				w.log.Error("Background task panicked", "panic", p)
			}
		}()
		fn()
	}()
}

// Wait blocks until every pending background task has finished.
func (w *Worker) Wait() {
	w.tasks.Wait()
}

// Version returns the worker's version tag.
func (w *Worker) Version() string {
	return w.version
}

// Primary returns the worker's primary partition.
func (w *Worker) Primary() *cachestore.Partition {
	return w.primary
}

// Audio returns the worker's audio partition.
func (w *Worker) Audio() *cachestore.Partition {
	return w.audio
}

// Metrics returns the worker's counters.
func (w *Worker) Metrics() *metrics.WorkerMetrics {
	return w.metrics
}

// Hub returns the notification hub the worker broadcasts on.
func (w *Worker) Hub() *notify.Hub {
	return w.hub
}

// resolve turns a message URL into an absolute URL against the origin.
func (w *Worker) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() && w.origin != nil {
		u = w.origin.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("url %q is not absolute and no origin is configured", raw)
	}
	return u, nil
}
