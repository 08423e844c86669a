package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/config"
	"github.com/Kush-Singh-26/handoffcache/internal/metrics"
	"github.com/Kush-Singh-26/handoffcache/internal/network"
	"github.com/Kush-Singh-26/handoffcache/internal/notify"
	"github.com/Kush-Singh-26/handoffcache/internal/registry"
	"github.com/Kush-Singh-26/handoffcache/internal/version"
	"github.com/Kush-Singh-26/handoffcache/internal/worker"
)

// app holds the shared pieces every command builds on.
type app struct {
	cfg     *config.Config
	store   *cachestore.Manager
	hub     *notify.Hub
	metrics *metrics.WorkerMetrics
	fetcher network.Fetcher
}

func openApp(cfg *config.Config) (*app, error) {
	store, err := cachestore.Open(cfg.CacheDir, cachestore.Options{
		Timeout: cfg.CacheDBTimeout,
		IsDev:   cfg.Dev,
	})
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		store:   store,
		hub:     notify.NewHub(cfg.NotifyBuffer),
		metrics: metrics.New(),
		fetcher: network.NewHTTPFetcher(&http.Client{Timeout: cfg.UpstreamTimeout}),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// factory builds workers that share the app's store, hub and counters.
func (a *app) factory() registry.Factory {
	origin := a.cfg.UpstreamURL()
	return func(m *registry.Manifest) (*worker.Worker, error) {
		return worker.New(worker.Options{
			Namespace:         a.cfg.Namespace,
			Version:           m.Version,
			WaitForActivation: m.WaitForActivation,
			Origin:            origin,
			Store:             a.store,
			Fetcher:           a.fetcher,
			Hub:               a.hub,
			Metrics:           a.metrics,
			PrecacheWorkers:   a.cfg.PrecacheWorkers,
			Logger:            slog.Default(),
		})
	}
}

// generation returns the partitions of the version named in the manifest.
func (a *app) generation() (*cachestore.Generation, string, error) {
	m, err := version.Current(a.cfg.WorkerManifest)
	if err != nil {
		return nil, "", fmt.Errorf("read worker manifest: %w", err)
	}
	return a.store.Generation(a.cfg.Namespace, m.Version), m.Version, nil
}

// resolve turns a CLI URL argument into the absolute URL used as cache key.
func (a *app) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		u = a.cfg.UpstreamURL().ResolveReference(u)
	}
	return u.String(), nil
}
