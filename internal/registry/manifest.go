package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes one worker version. Any byte-level change to the
// manifest counts as a new worker script.
type Manifest struct {
	Version           string `yaml:"version"`
	WaitForActivation bool   `yaml:"waitForActivation"`
}

// ParseManifest decodes and validates a worker manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse worker manifest: %w", err)
	}
	m.Version = strings.TrimSpace(m.Version)
	if m.Version == "" {
		return nil, errors.New("worker manifest: version is required")
	}
	if strings.ContainsAny(m.Version, " /") {
		return nil, fmt.Errorf("worker manifest: invalid version %q", m.Version)
	}
	return &m, nil
}

// Source yields the current worker script bytes.
type Source interface {
	Load() ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() ([]byte, error)

func (f SourceFunc) Load() ([]byte, error) { return f() }

// FileSource reads the manifest from disk on every check.
type FileSource string

func (p FileSource) Load() ([]byte, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return nil, fmt.Errorf("failed to read worker manifest: %w", err)
	}
	return data, nil
}
