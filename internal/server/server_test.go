package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/network"
	"github.com/Kush-Singh-26/handoffcache/internal/notify"
	"github.com/Kush-Singh-26/handoffcache/internal/registry"
	"github.com/Kush-Singh-26/handoffcache/internal/worker"
)

type testServer struct {
	srv      *Server
	reg      *registry.Registry
	hub      *notify.Hub
	proxy    *httptest.Server
	upstream *httptest.Server
	hits     *atomic.Int64
}

func newTestServer(t *testing.T, activate bool) *testServer {
	t.Helper()
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusCreated)
			_, _ = io.Copy(w, r.Body)
			return
		}
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(upstream.Close)

	upstreamURL, _ := url.Parse(upstream.URL)
	store, err := cachestore.Open(t.TempDir(), cachestore.Options{IsDev: true, BlobFs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := notify.NewHub(16)
	fetcher := network.NewHTTPFetcher(upstream.Client())

	reg := registry.New(registry.SourceFunc(func() ([]byte, error) {
		return []byte("version: v1\n"), nil
	}), func(m *registry.Manifest) (*worker.Worker, error) {
		return worker.New(worker.Options{
			Namespace: "handoff",
			Version:   m.Version,
			Origin:    upstreamURL,
			Store:     store,
			Fetcher:   fetcher,
			Hub:       hub,
			Logger:    logger,
		})
	}, logger)
	t.Cleanup(func() {
		reg.Close()
		_ = store.Close()
	})

	if activate {
		if _, err := reg.Update(context.Background()); err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
	}

	srv := New(Options{
		Upstream: upstreamURL,
		Registry: reg,
		Hub:      hub,
		Store:    store,
		Fetcher:  fetcher,
		Logger:   logger,
	})
	proxy := httptest.NewServer(srv.Handler())
	t.Cleanup(proxy.Close)

	return &testServer{srv: srv, reg: reg, hub: hub, proxy: proxy, upstream: upstream, hits: &hits}
}

func get(t *testing.T, rawURL string) (int, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func post(t *testing.T, rawURL, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(rawURL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(out)
}

func TestProxy_PrimaryServedFromCacheWhenUpstreamDown(t *testing.T) {
	ts := newTestServer(t, true)

	status, body := get(t, ts.proxy.URL+"/api/v1/handoff/42")
	if status != http.StatusOK || body != `{"path":"/api/v1/handoff/42"}` {
		t.Fatalf("first GET = %d %s", status, body)
	}
	ts.reg.Active().Wait()

	ts.upstream.Close()

	status, body = get(t, ts.proxy.URL+"/api/v1/handoff/42")
	if status != http.StatusOK || body != `{"path":"/api/v1/handoff/42"}` {
		t.Errorf("cached GET = %d %s", status, body)
	}

	status, body = get(t, ts.proxy.URL+"/api/v1/handoff/99")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("uncached GET status = %d, want 503", status)
	}
	var offline network.OfflineBody
	if err := json.Unmarshal([]byte(body), &offline); err != nil {
		t.Fatalf("offline body is not JSON: %v", err)
	}
	if !offline.Offline || offline.Error != "Offline and no cached data available" {
		t.Errorf("offline body = %+v", offline)
	}
}

func TestProxy_NonGETPassesThrough(t *testing.T) {
	ts := newTestServer(t, true)

	status, body := post(t, ts.proxy.URL+"/api/v1/handoff/42", `{"note":"x"}`)
	if status != http.StatusCreated || body != `{"note":"x"}` {
		t.Errorf("POST = %d %s", status, body)
	}
	ts.reg.Active().Wait()

	keys, _ := ts.reg.Active().Primary().Keys()
	if len(keys) != 0 {
		t.Errorf("POST must not be cached, got %v", keys)
	}
}

func TestProxy_NoActiveWorkerForwards(t *testing.T) {
	ts := newTestServer(t, false)
	status, _ := get(t, ts.proxy.URL+"/api/v1/handoff/1")
	if status != http.StatusOK || ts.hits.Load() != 1 {
		t.Errorf("status = %d, upstream hits = %d", status, ts.hits.Load())
	}
}

func TestProxy_UpstreamDownPassThroughIs502(t *testing.T) {
	ts := newTestServer(t, true)
	ts.upstream.Close()
	status, _ := get(t, ts.proxy.URL+"/static/app.js")
	if status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", status)
	}
}

func TestMessages(t *testing.T) {
	ts := newTestServer(t, true)
	get(t, ts.proxy.URL+"/api/v1/handoff/1")
	get(t, ts.proxy.URL+"/api/v1/handoff/2")
	ts.reg.Active().Wait()

	status, _ := post(t, ts.proxy.URL+"/sw/messages", `{"type":"invalidate-cache","payload":{"url":"/api/v1/handoff/1"}}`)
	if status != http.StatusAccepted {
		t.Fatalf("invalidate status = %d", status)
	}
	keys, _ := ts.reg.Active().Primary().Keys()
	if len(keys) != 1 || !strings.HasSuffix(keys[0], "/api/v1/handoff/2") {
		t.Errorf("keys = %v", keys)
	}

	tests := []struct {
		body string
		want int
	}{
		{`{"type":"reticulate"}`, http.StatusBadRequest},
		{`{"type":"invalidate-cache"}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		{`{"type":"clear-stale-cache"}`, http.StatusAccepted},
		{`{"type":"skip-waiting"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		if status, body := post(t, ts.proxy.URL+"/sw/messages", tt.body); status != tt.want {
			t.Errorf("POST %s = %d %s, want %d", tt.body, status, body, tt.want)
		}
	}
}

func TestMessages_ProxyAbsoluteURLs(t *testing.T) {
	ts := newTestServer(t, true)
	get(t, ts.proxy.URL+"/api/v1/handoff/1")
	get(t, ts.proxy.URL+"/api/v1/handoff/2")
	ts.reg.Active().Wait()

	body := `{"type":"invalidate-cache","payload":{"url":"` + ts.proxy.URL + `/api/v1/handoff/1"}}`
	if status, _ := post(t, ts.proxy.URL+"/sw/messages", body); status != http.StatusAccepted {
		t.Fatalf("invalidate status = %d", status)
	}
	keys, _ := ts.reg.Active().Primary().Keys()
	if len(keys) != 1 || keys[0] != cachestore.RequestKey(http.MethodGet, ts.upstream.URL+"/api/v1/handoff/2") {
		t.Errorf("keys after invalidate = %v", keys)
	}

	body = `{"type":"cache-audio","payload":{"urls":["` + ts.proxy.URL + `/media/handoff-voice-notes/a.webm"]}}`
	if status, _ := post(t, ts.proxy.URL+"/sw/messages", body); status != http.StatusAccepted {
		t.Fatalf("cache-audio status = %d", status)
	}
	hits := ts.hits.Load()
	ts.upstream.Close()
	if status, _ := get(t, ts.proxy.URL+"/media/handoff-voice-notes/a.webm"); status != http.StatusOK {
		t.Errorf("precached audio status = %d, want 200", status)
	}
	if ts.hits.Load() != hits {
		t.Errorf("audio hit the network after precache")
	}
}

func TestRebase(t *testing.T) {
	proxy, _ := url.Parse("http://localhost:8787")
	upstream, _ := url.Parse("https://api.example.com")
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8787/api/v1/handoff/1?x=1", "https://api.example.com/api/v1/handoff/1?x=1"},
		{"/api/v1/handoff/1", "/api/v1/handoff/1"},
		{"https://cdn.example.com/handoff-voice-notes/a.webm", "https://cdn.example.com/handoff-voice-notes/a.webm"},
	}
	for _, tt := range tests {
		if got := rebase(tt.in, proxy, upstream); got != tt.want {
			t.Errorf("rebase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMessages_NoActiveWorker(t *testing.T) {
	ts := newTestServer(t, false)
	status, _ := post(t, ts.proxy.URL+"/sw/messages", `{"type":"clear-stale-cache"}`)
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
}

func TestSyncAndPushBroadcast(t *testing.T) {
	ts := newTestServer(t, true)
	sub := ts.hub.Subscribe()
	defer sub.Close()

	if status, _ := post(t, ts.proxy.URL+"/sw/sync", `{"tag":"sync-acknowledgments"}`); status != http.StatusAccepted {
		t.Fatalf("sync status = %d", status)
	}
	if status, _ := post(t, ts.proxy.URL+"/sw/sync", `{}`); status != http.StatusBadRequest {
		t.Errorf("sync without tag status = %d", status)
	}
	if status, _ := post(t, ts.proxy.URL+"/sw/push", `{"title":"Handoff ready"}`); status != http.StatusAccepted {
		t.Fatalf("push status = %d", status)
	}

	var got []notify.EventType
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("expected two events, got %v", got)
		}
	}
	if got[0] != notify.SyncRequested || got[1] != notify.PushReceived {
		t.Errorf("events = %v", got)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, true)
	get(t, ts.proxy.URL+"/api/v1/handoff/1")
	ts.reg.Active().Wait()

	status, body := get(t, ts.proxy.URL+"/sw/status")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var st Status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if st.Active != "v1" || st.State != worker.StateActivated {
		t.Errorf("status = %+v", st)
	}
	if st.Metrics == nil || st.Metrics.CacheMisses != 1 {
		t.Errorf("metrics = %+v", st.Metrics)
	}
	if len(st.Partitions) != 1 || st.Partitions[0].Name != "handoff-v1-primary" || st.Partitions[0].Entries != 1 {
		t.Errorf("partitions = %+v", st.Partitions)
	}
}

func TestStatus_Gzip(t *testing.T) {
	ts := newTestServer(t, true)
	req, _ := http.NewRequest(http.MethodGet, ts.proxy.URL+"/sw/status", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	// A transport without automatic decompression so the encoding is visible.
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.proxy.URL+"/sw/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "event: connected") {
		t.Errorf("first frame = %q", buf[:n])
	}
}

func TestEventsStream_URLsUseProxyOrigin(t *testing.T) {
	ts := newTestServer(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.proxy.URL+"/sw/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	// Subscribed once the connected frame arrives.
	for scanner.Scan() {
		if scanner.Text() == "event: connected" {
			break
		}
	}

	get(t, ts.proxy.URL+"/api/v1/handoff/7")

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type    notify.EventType  `json:"type"`
			Payload notify.URLPayload `json:"payload"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil || ev.Type != notify.CacheUpdated {
			continue
		}
		if want := ts.proxy.URL + "/api/v1/handoff/7"; ev.Payload.URL != want {
			t.Errorf("cache-updated url = %q, want %q", ev.Payload.URL, want)
		}
		return
	}
	t.Fatalf("no cache-updated event: %v", scanner.Err())
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ts := newTestServer(t, false)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.srv.Serve(ctx, ln) }()

	status, _ := get(t, "http://"+ln.Addr().String()+"/sw/status")
	if status != http.StatusOK {
		t.Errorf("status = %d", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestTargetURL(t *testing.T) {
	upstream, _ := url.Parse("https://api.example.com")
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"relative path", "/api/v1/handoff/1?x=1", "https://api.example.com/api/v1/handoff/1?x=1"},
		{"dot segments", "/api/../api/v1/handoff/", "https://api.example.com/api/v1/handoff/"},
		{"absolute url kept", "https://cdn.example.com/handoff-voice-notes/a.webm", "https://cdn.example.com/handoff-voice-notes/a.webm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _ := url.Parse(tt.in)
			r := &http.Request{Method: http.MethodGet, URL: u}
			got, err := targetURL(upstream, r)
			if err != nil {
				t.Fatal(err)
			}
			if got.String() != tt.want {
				t.Errorf("targetURL() = %s, want %s", got, tt.want)
			}
		})
	}

	u, _ := url.Parse("ftp://files.example.com/x")
	if _, err := targetURL(upstream, &http.Request{URL: u}); err == nil {
		t.Error("ftp URL should be rejected")
	}
}
