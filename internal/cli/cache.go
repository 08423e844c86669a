package cli

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/clean"
	"github.com/Kush-Singh-26/handoffcache/internal/freshness"
)

// cacheCmd groups the offline cache maintenance commands
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the local cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-partition statistics",
	Args:  cobra.NoArgs,
	RunE:  withApp(cacheStats),
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect <url>",
	Short: "Show the cached entry for a URL",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(cacheInspect),
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <url>",
	Short: "Remove one URL from the primary partition",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(cacheInvalidate),
}

var cacheClearStaleCmd = &cobra.Command{
	Use:   "clear-stale",
	Short: "Remove primary entries older than the staleness window",
	Args:  cobra.NoArgs,
	RunE:  withApp(cacheClearStale),
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete partitions left by other worker versions",
	Args:  cobra.NoArgs,
	RunE:  withApp(cachePrune),
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cache data",
	Args:  cobra.NoArgs,
	RunE:  handleCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheInspectCmd, cacheInvalidateCmd, cacheClearStaleCmd, cachePruneCmd, cacheClearCmd)
}

// withApp opens the cache for the duration of one command.
func withApp(fn func(a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer func() { _ = a.Close() }()
		return fn(a, args)
	}
}

func cacheStats(a *app, _ []string) error {
	stats, err := a.store.Stats()
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	current := map[string]bool{}
	if gen, _, err := a.generation(); err == nil {
		for _, name := range gen.Current() {
			current[name] = true
		}
	}

	fmt.Println("📊 Cache Statistics")
	fmt.Println("════════════════════════════════════════")
	if len(stats) == 0 {
		fmt.Println("   No partitions")
		return nil
	}

	var entries int
	var bytes int64
	for _, ps := range stats {
		marker := "  "
		if current[ps.Name] {
			marker = "→ "
		}
		fmt.Printf("%s%-32s %6d entries  %8.2f KB\n", marker, ps.Name, ps.Entries, float64(ps.Bytes)/1024)
		entries += ps.Entries
		bytes += ps.Bytes
	}
	fmt.Println("────────────────────────────────────────")
	fmt.Printf("Total:            %d entries, %.2f MB\n", entries, float64(bytes)/(1024*1024))
	return nil
}

func cacheInspect(a *app, args []string) error {
	gen, version, err := a.generation()
	if err != nil {
		return err
	}
	target, err := a.resolve(args[0])
	if err != nil {
		return err
	}
	key := cachestore.RequestKey(http.MethodGet, target)

	for _, purpose := range []cachestore.Purpose{cachestore.PurposePrimary, cachestore.PurposeAudio} {
		p := gen.Open(purpose)
		e, err := p.Match(key)
		if err != nil {
			return err
		}
		if e == nil {
			continue
		}

		fmt.Printf("📄 %s\n", e.URL)
		fmt.Printf("Partition:   %s (worker %s)\n", p.Name(), version)
		fmt.Printf("Status:      %d %s\n", e.Status, e.StatusText)
		fmt.Printf("Size:        %d bytes\n", len(e.Body))
		fmt.Printf("Hash:        %s\n", e.ContentHash)
		fmt.Printf("Stored:      %s\n", e.StoredAt.Format(time.RFC3339))
		if purpose == cachestore.PurposePrimary {
			age, stale := freshness.Check(e.Header, time.Now())
			fmt.Printf("Age:         %s (stale: %v)\n", age.Round(time.Second), stale)
		}

		names := make([]string, 0, len(e.Header))
		for k := range e.Header {
			names = append(names, k)
		}
		sort.Strings(names)
		fmt.Println("Headers:")
		for _, k := range names {
			fmt.Printf("  %s: %s\n", k, e.Header.Get(k))
		}
		return nil
	}

	fmt.Printf("❌ %s is not cached\n", target)
	return nil
}

func cacheInvalidate(a *app, args []string) error {
	gen, _, err := a.generation()
	if err != nil {
		return err
	}
	target, err := a.resolve(args[0])
	if err != nil {
		return err
	}
	if err := gen.Open(cachestore.PurposePrimary).Delete(cachestore.RequestKey(http.MethodGet, target)); err != nil {
		return err
	}
	fmt.Printf("🗑️  Invalidated %s\n", target)
	return nil
}

func cacheClearStale(a *app, _ []string) error {
	gen, _, err := a.generation()
	if err != nil {
		return err
	}
	removed, err := freshness.Sweep(gen.Open(cachestore.PurposePrimary), time.Now())
	for _, u := range removed {
		fmt.Printf("   🗑️  %s\n", u)
	}
	fmt.Printf("✅ Removed %d stale entries\n", len(removed))
	return err
}

func cachePrune(a *app, _ []string) error {
	gen, version, err := a.generation()
	if err != nil {
		return err
	}
	deleted, err := gen.DeleteObsolete()
	for _, name := range deleted {
		fmt.Printf("   🗑️  %s\n", name)
	}
	fmt.Printf("✅ Pruned %d partitions (keeping worker %s)\n", len(deleted), version)
	return err
}

func handleCacheClear(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("🧹 Clearing %s...\n", cfg.CacheDir)
	done, err := clean.Run(cfg.CacheDir)
	if err != nil {
		return err
	}
	<-done
	fmt.Println("✅ Cache cleared.")
	return nil
}
