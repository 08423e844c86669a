package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kush-Singh-26/handoffcache/internal/scaffold"
	"github.com/Kush-Singh-26/handoffcache/internal/version"
)

var initVersion string

// initCmd writes starter config files
var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a default config and worker manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		fmt.Println("🌱 Initializing handoffcache...")
		created, err := scaffold.Run(dir, initVersion)
		for _, path := range created {
			fmt.Printf("   📄 Created '%s'\n", path)
		}
		if err != nil {
			return err
		}
		if len(created) == 0 {
			fmt.Println("   ⚠️ Config files already exist, nothing to do.")
		}
		return nil
	},
}

// workerCmd groups worker manifest commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Show or roll the worker version",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m, err := version.Current(cfg.WorkerManifest)
		if err != nil {
			return err
		}
		fmt.Printf("📚 Worker version: %s\n", m.Version)
		fmt.Printf("   Wait for activation: %v\n", m.WaitForActivation)
		return nil
	},
}

var workerBumpCmd = &cobra.Command{
	Use:   "bump <version>",
	Short: "Set a new worker version; a running proxy installs it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		prev, err := version.Bump(cfg.WorkerManifest, args[0])
		if err != nil {
			return err
		}
		if prev == "" {
			prev = "(none)"
		}
		fmt.Printf("✅ Worker version %s → %s\n", prev, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd, workerCmd)
	workerCmd.AddCommand(workerBumpCmd)
	initCmd.Flags().StringVar(&initVersion, "version", "v1", "Initial worker version")
}
