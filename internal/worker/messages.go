package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/freshness"
	"github.com/Kush-Singh-26/handoffcache/internal/notify"
	"github.com/Kush-Singh-26/handoffcache/internal/pool"
)

// MessageType names a command posted to the worker by a UI context.
type MessageType string

const (
	MsgSkipWaiting     MessageType = "skip-waiting"
	MsgCacheAudio      MessageType = "cache-audio"
	MsgInvalidateCache MessageType = "invalidate-cache"
	MsgClearStaleCache MessageType = "clear-stale-cache"
)

// SyncTagAcknowledgments is the only sync tag the worker acts on.
const SyncTagAcknowledgments = "sync-acknowledgments"

// Message is the wire shape of a posted command.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CacheAudioPayload lists audio URLs to fetch ahead of playback.
type CacheAudioPayload struct {
	URLs []string `json:"urls"`
}

// InvalidatePayload names one primary entry to drop.
type InvalidatePayload struct {
	URL string `json:"url"`
}

// NewMessage builds a message with payload encoded as JSON. A nil payload
// leaves Payload empty.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

func (w *Worker) handleMessage(ctx context.Context, ev *Event) (*Result, error) {
	msg := ev.Message
	if msg == nil {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidPayload)
	}

	switch msg.Type {
	case MsgSkipWaiting:
		return nil, w.skipWaitingNow(ctx)
	case MsgCacheAudio:
		var p CacheAudioPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		w.precacheAudio(ctx, p.URLs)
		return nil, nil
	case MsgInvalidateCache:
		var p InvalidatePayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		return nil, w.invalidate(p.URL)
	case MsgClearStaleCache:
		removed, err := freshness.Sweep(w.primary, w.now())
		for _, u := range removed {
			w.log.Info("Removed stale entry", "url", u)
		}
		if err != nil {
			return nil, fmt.Errorf("clear stale cache: %w", err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func decodePayload(msg *Message, v any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidPayload, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, msg.Type, err)
	}
	return nil
}

func (w *Worker) skipWaitingNow(ctx context.Context) error {
	w.mu.Lock()
	fn := w.skipWaiting
	w.mu.Unlock()
	if fn == nil {
		w.log.Debug("skip-waiting ignored, no registration attached")
		return nil
	}
	return fn(ctx)
}

// precacheAudio fetches each URL into the audio partition. Already cached
// URLs are skipped and one failure does not stop the rest.
func (w *Worker) precacheAudio(ctx context.Context, urls []string) {
	var fetched, failed atomic.Int64

	pool.Run(ctx, w.precacheWorkers, urls, func(ctx context.Context, raw string) {
		u, err := w.resolve(raw)
		if err != nil {
			failed.Add(1)
			w.log.Warn("Skipping audio URL", "url", raw, "error", err)
			return
		}
		key := cachestore.RequestKey(http.MethodGet, u.String())
		if e, err := w.audio.Match(key); err == nil && e != nil {
			return
		}

		req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, u.String(), nil)
		if err != nil {
			failed.Add(1)
			w.log.Warn("Skipping audio URL", "url", raw, "error", err)
			return
		}
		resp, err := w.fetchAudio(req, key)
		if err != nil {
			failed.Add(1)
			w.log.Warn("Failed to precache audio", "url", u.String(), "error", err)
			return
		}
		if !resp.OK() {
			failed.Add(1)
			w.log.Warn("Audio not cached", "url", u.String(), "status", resp.Status)
			return
		}
		fetched.Add(1)
	})

	w.log.Info("Audio precache finished", "requested", len(urls), "fetched", fetched.Load(), "failed", failed.Load())
}

func (w *Worker) invalidate(raw string) error {
	u, err := w.resolve(raw)
	if err != nil {
		return fmt.Errorf("%w: invalidate-cache: %v", ErrInvalidPayload, err)
	}
	if err := w.primary.Delete(cachestore.RequestKey(http.MethodGet, u.String())); err != nil {
		return fmt.Errorf("invalidate %s: %w", u, err)
	}
	return nil
}

func (w *Worker) handleSync(_ context.Context, ev *Event) (*Result, error) {
	if ev.Tag != SyncTagAcknowledgments {
		w.log.Debug("Ignoring sync tag", "tag", ev.Tag)
		return nil, nil
	}
	w.hub.Notify(notify.SyncRequested, notify.SyncPayload{Type: ev.Tag})
	return nil, nil
}

// handlePush relays a push payload to UI contexts. Pushes without data
// are ignored and malformed data is dropped.
func (w *Worker) handlePush(_ context.Context, ev *Event) (*Result, error) {
	if len(ev.Data) == 0 {
		return nil, nil
	}
	var p notify.PushPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		w.log.Warn("Dropping malformed push payload", "error", err)
		return nil, nil
	}
	w.hub.Notify(notify.PushReceived, p)
	return nil, nil
}
