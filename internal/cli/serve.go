package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Kush-Singh-26/handoffcache/internal/registry"
	"github.com/Kush-Singh-26/handoffcache/internal/server"
	"github.com/Kush-Singh-26/handoffcache/internal/telemetry"
)

var noWatch bool

// serveCmd runs the caching proxy
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline caching proxy",
	RunE:  handleServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the worker manifest for updates")
}

func handleServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "handoffcache")
	if err != nil {
		slog.Warn("Tracing disabled", "error", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	reg := registry.New(registry.FileSource(cfg.WorkerManifest), a.factory(), slog.Default())
	defer reg.Close()

	if _, err := reg.Update(ctx); err != nil {
		return fmt.Errorf("install worker: %w", err)
	}

	if !noWatch {
		go func() {
			if err := reg.Watch(ctx, cfg.WorkerManifest, cfg.DebounceDuration); err != nil {
				slog.Warn("Manifest watch stopped", "error", err)
			}
		}()
	}

	srv := server.New(server.Options{
		Addr:            cfg.Listen,
		Upstream:        cfg.UpstreamURL(),
		Registry:        reg,
		Hub:             a.hub,
		Store:           a.store,
		Fetcher:         a.fetcher,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          slog.Default(),
	})

	fmt.Printf("🌐 Serving on http://%s (upstream %s)\n", cfg.Listen, cfg.Upstream)
	fmt.Println("   (Worker events on /sw/events)")
	if err := srv.Run(ctx); err != nil {
		return err
	}

	fmt.Println(a.metrics.Snapshot().String())
	fmt.Println("✅ Server stopped.")
	return nil
}
