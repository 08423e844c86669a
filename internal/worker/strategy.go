package worker

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/freshness"
	"github.com/Kush-Singh-26/handoffcache/internal/intercept"
	"github.com/Kush-Singh-26/handoffcache/internal/network"
	"github.com/Kush-Singh-26/handoffcache/internal/notify"
)

var errRefreshAborted = errors.New("network refresh aborted")

// fetchOutcome is the result of the in-flight network request.
type fetchOutcome struct {
	resp *network.Response
	err  error
}

func (w *Worker) handleFetch(ctx context.Context, ev *Event) (*Result, error) {
	req := ev.Request
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch event without a request")
	}

	route := intercept.Classify(req.Method, req.URL)
	ctx, span := w.tracer.Start(ctx, "worker.fetch", trace.WithAttributes(
		attribute.String("handoffcache.route", route.String()),
		attribute.String("handoffcache.version", w.version),
	))
	defer span.End()

	switch route {
	case intercept.Primary:
		return &Result{Response: w.cacheThenNetwork(ctx, req)}, nil
	case intercept.Audio:
		return &Result{Response: w.cacheFirst(ctx, req)}, nil
	default:
		w.metrics.PassThrough.Add(1)
		return &Result{PassThrough: true}, nil
	}
}

// cacheThenNetwork answers from the primary partition when it can and always
// refreshes from the network in the background. On a miss the caller waits
// for that same network request; only a network-level failure turns into
// the offline 503.
func (w *Worker) cacheThenNetwork(ctx context.Context, req *http.Request) (resp *network.Response) {
	rawURL := req.URL.String()
	defer func() {
		if p := recover(); p != nil {
			w.log.Error("Primary strategy panicked", "url", rawURL, "panic", p)
			resp = network.Offline()
		}
	}()

	key := cachestore.RequestKey(http.MethodGet, rawURL)

	cached, err := w.primary.Match(key)
	if err != nil {
		w.log.Warn("Failed to read primary cache", "url", rawURL, "error", err)
		cached = nil
	}

	inflight := w.refreshPrimary(ctx, req, key)

	if cached != nil {
		w.metrics.CacheHits.Add(1)
		w.reportIfStale(cached)
		return entryResponse(cached)
	}

	w.metrics.CacheMisses.Add(1)
	select {
	case out := <-inflight:
		if out.err != nil {
			w.metrics.OfflineFallbacks.Add(1)
			return network.Offline()
		}
		return out.resp
	case <-ctx.Done():
		w.metrics.OfflineFallbacks.Add(1)
		return network.Offline()
	}
}

// refreshPrimary starts the network request without waiting for it. The
// request is detached from the caller's cancellation so it runs to
// completion even after a cached answer has been returned.
func (w *Worker) refreshPrimary(ctx context.Context, req *http.Request, key string) <-chan fetchOutcome {
	out := make(chan fetchOutcome, 1)
	netReq := req.Clone(context.WithoutCancel(ctx))
	rawURL := netReq.URL.String()

	w.waitUntil(func() {
		outcome := fetchOutcome{err: errRefreshAborted}
		defer func() { out <- outcome }()

		resp, err := w.fetcher.Fetch(netReq)
		if err != nil {
			w.metrics.BackgroundFailures.Add(1)
			w.log.Debug("Network refresh failed", "url", rawURL, "error", err)
			outcome = fetchOutcome{err: err}
			return
		}
		if resp.OK() {
			w.storePrimary(key, rawURL, resp)
		}
		resp.Header = network.StripHopByHop(resp.Header)
		outcome = fetchOutcome{resp: resp}
	})
	return out
}

// storePrimary writes a stamped copy of resp and announces it. resp itself
// is left untouched for the caller.
func (w *Worker) storePrimary(key, rawURL string, resp *network.Response) {
	now := w.now()
	header := network.StripHopByHop(resp.Header)
	freshness.Stamp(header, now)

	entry := &cachestore.Entry{
		URL:        rawURL,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     header,
		Body:       append([]byte(nil), resp.Body...),
		StoredAt:   now,
	}
	if err := w.primary.Put(key, entry); err != nil {
		w.log.Warn("Failed to cache primary response", "url", rawURL, "error", err)
		return
	}
	w.metrics.BackgroundRefresh.Add(1)
	w.hub.Notify(notify.CacheUpdated, notify.URLPayload{URL: rawURL})
}

// reportIfStale notifies UI contexts about an old entry. The entry stays
// in place until an explicit clear-stale-cache.
func (w *Worker) reportIfStale(e *cachestore.Entry) {
	age, stale := freshness.Check(e.Header, w.now())
	if !stale {
		return
	}
	w.metrics.StaleServed.Add(1)
	w.hub.Notify(notify.CacheStale, notify.StalePayload{URL: e.URL, AgeMs: age.Milliseconds()})
}

// cacheFirst serves audio from the audio partition with no network call on
// a hit. Concurrent misses for the same URL share one fetch.
func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) (resp *network.Response) {
	rawURL := req.URL.String()
	defer func() {
		if p := recover(); p != nil {
			w.log.Error("Audio strategy panicked", "url", rawURL, "panic", p)
			resp = network.Unavailable()
		}
	}()

	key := cachestore.RequestKey(http.MethodGet, rawURL)

	cached, err := w.audio.Match(key)
	if err != nil {
		w.log.Warn("Failed to read audio cache", "url", rawURL, "error", err)
		cached = nil
	}
	if cached != nil {
		w.metrics.CacheHits.Add(1)
		return entryResponse(cached)
	}

	w.metrics.CacheMisses.Add(1)
	fetched, err := w.fetchAudio(req.Clone(context.WithoutCancel(ctx)), key)
	if err != nil {
		w.metrics.OfflineFallbacks.Add(1)
		w.log.Debug("Audio fetch failed", "url", rawURL, "error", err)
		return network.Unavailable()
	}
	return fetched
}

// fetchAudio fetches and stores one audio resource. The returned response
// is a private copy for the caller.
func (w *Worker) fetchAudio(req *http.Request, key string) (*network.Response, error) {
	v, err, _ := w.audioFlight.Do(key, func() (interface{}, error) {
		resp, err := w.fetcher.Fetch(req)
		if err != nil {
			return nil, err
		}
		resp.Header = network.StripHopByHop(resp.Header)
		if resp.OK() {
			entry := &cachestore.Entry{
				URL:        req.URL.String(),
				Status:     resp.Status,
				StatusText: resp.StatusText,
				Header:     resp.Header.Clone(),
				Body:       append([]byte(nil), resp.Body...),
				StoredAt:   w.now(),
			}
			if err := w.audio.Put(key, entry); err != nil {
				w.log.Warn("Failed to cache audio", "url", entry.URL, "error", err)
			}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*network.Response).Clone(), nil
}

func entryResponse(e *cachestore.Entry) *network.Response {
	return &network.Response{
		Status:     e.Status,
		StatusText: e.StatusText,
		Header:     e.Header,
		Body:       e.Body,
	}
}
