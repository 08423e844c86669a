// Package version rolls the worker manifest to a new version tag. Writing
// the file is what triggers a byte-different update in a running registry.
package version

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Kush-Singh-26/handoffcache/internal/registry"
)

// Current returns the manifest at path.
func Current(path string) (*registry.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return registry.ParseManifest(data)
}

// Bump sets the manifest's version to next and returns the previous one.
// Comments and the order of other keys are preserved.
func Bump(path, next string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}

	var root yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &root); err != nil {
			return "", err
		}
	}
	if root.Kind == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return "", fmt.Errorf("invalid yaml structure")
	}

	mapping := root.Content[0]
	var previous string
	found := false
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == "version" {
			previous = mapping.Content[i+1].Value
			mapping.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Value: next}
			found = true
			break
		}
	}
	if !found {
		mapping.Content = append([]*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "version"},
			{Kind: yaml.ScalarNode, Value: next},
		}, mapping.Content...)
	}

	if previous == next {
		return previous, fmt.Errorf("version %q is already current", next)
	}

	out, err := yaml.Marshal(&root)
	if err != nil {
		return "", err
	}
	if _, err := registry.ParseManifest(out); err != nil {
		return "", err
	}
	return previous, os.WriteFile(path, out, 0644)
}
