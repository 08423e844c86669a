// Package scaffold writes starter configuration for a new deployment.
package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigYaml = `# handoffcache configuration
# Every key can also be set as HANDOFFCACHE_<KEY> in the environment.
listen: ":8787"
upstream: "http://localhost:8080"

# Cache
cacheDir: ".handoffcache"
namespace: "handoff"
workerManifest: "worker.yaml"

# Workers
precacheWorkers: 4
notifyBuffer: 16

# Timeouts
shutdownTimeout: 5s
debounceDuration: 500ms
`

const defaultWorkerYaml = `# Changing this file installs a new worker. Bump the version on every
# deploy so the previous version's cache partitions are swept.
version: %s
waitForActivation: false
`

// Run writes handoffcache.yaml and worker.yaml into dir, skipping files
// that already exist. It returns the files it created.
func Run(dir, version string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}

	files := []struct {
		name    string
		content string
	}{
		{"handoffcache.yaml", defaultConfigYaml},
		{"worker.yaml", fmt.Sprintf(defaultWorkerYaml, version)},
	}

	var created []string
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(f.content), 0644); err != nil {
			return created, fmt.Errorf("failed to create %s: %w", f.name, err)
		}
		created = append(created, path)
	}
	return created, nil
}
