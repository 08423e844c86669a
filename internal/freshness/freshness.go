// Package freshness decides when a cached primary response is too old.
//
// Staleness only drives notifications and the explicit sweep; reading a
// stale entry never evicts it.
package freshness

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
)

// HeaderCachedAt carries the epoch-millisecond time a primary entry was
// written. It never comes from the network.
const HeaderCachedAt = "sw-cached-at"

// Window is the fixed age past which a primary entry is stale.
const Window = 48 * time.Hour

// IsStale reports whether an entry cached at cachedAtMs is older than the
// window at nowMs. Exactly one window old is still fresh.
func IsStale(cachedAtMs, nowMs int64) bool {
	return nowMs-cachedAtMs > Window.Milliseconds()
}

// Stamp sets the cached-at marker on h.
func Stamp(h http.Header, now time.Time) {
	h.Set(HeaderCachedAt, strconv.FormatInt(now.UnixMilli(), 10))
}

// CachedAt reads the cached-at marker. ok is false when the header is
// missing or unparseable.
func CachedAt(h http.Header) (ms int64, ok bool) {
	v := h.Get(HeaderCachedAt)
	if v == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// Check returns the entry's age and whether it is stale. Entries without a
// marker are treated as fresh.
func Check(h http.Header, now time.Time) (age time.Duration, stale bool) {
	cachedAt, ok := CachedAt(h)
	if !ok {
		return 0, false
	}
	nowMs := now.UnixMilli()
	return time.Duration(nowMs-cachedAt) * time.Millisecond, IsStale(cachedAt, nowMs)
}

// Sweep deletes every stale entry in a primary partition and returns the
// URLs removed. One failed delete does not stop the rest.
func Sweep(p *cachestore.Partition, now time.Time) ([]string, error) {
	var staleKeys, staleURLs []string
	err := p.ForEach(func(e *cachestore.Entry) error {
		if _, stale := Check(e.Header, now); stale {
			staleKeys = append(staleKeys, e.Key)
			staleURLs = append(staleURLs, e.URL)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p.Name(), err)
	}

	var removed []string
	var errs []error
	for i, key := range staleKeys {
		if err := p.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		removed = append(removed, staleURLs[i])
	}
	return removed, errors.Join(errs...)
}
