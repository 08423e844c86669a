// Package server exposes the worker over HTTP: every request the UI sends
// through the proxy is offered to the controlling worker first, and the
// /sw/ endpoints carry the message, sync, push and broadcast protocols.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/network"
	"github.com/Kush-Singh-26/handoffcache/internal/notify"
	"github.com/Kush-Singh-26/handoffcache/internal/registry"
)

// Options wire a Server.
type Options struct {
	Addr            string
	Upstream        *url.URL
	Registry        *registry.Registry
	Hub             *notify.Hub
	Store           *cachestore.Manager
	Fetcher         network.Fetcher // used for pass-through requests
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server is the proxy plus its control endpoints.
type Server struct {
	addr            string
	upstream        *url.URL
	reg             *registry.Registry
	hub             *notify.Hub
	store           *cachestore.Manager
	fetcher         network.Fetcher
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// New creates a server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		addr:            opts.Addr,
		upstream:        opts.Upstream,
		reg:             opts.Registry,
		hub:             opts.Hub,
		store:           opts.Store,
		fetcher:         opts.Fetcher,
		shutdownTimeout: opts.ShutdownTimeout,
		log:             opts.Logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sw/events", s.handleEvents)
	mux.HandleFunc("POST /sw/messages", s.handleMessage)
	mux.HandleFunc("POST /sw/sync", s.handleSync)
	mux.HandleFunc("POST /sw/push", s.handlePush)
	mux.HandleFunc("GET /sw/status", gzipHandler(s.handleStatus))
	mux.HandleFunc("/", s.handleProxy)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Shutdown handler - watches for context cancellation
	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		shutdownErr <- httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("Serving", "addr", ln.Addr().String(), "upstream", s.upstream.String())
	if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-shutdownErr
}

// gzipResponseWriter wraps the underlying ResponseWriter to enable Gzip compression
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(code)
}

func gzipHandler(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gz := gzip.NewWriter(w)
		defer func() { _ = gz.Close() }()
		next(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}
