// Package clean removes a cache directory without making the caller wait
// for the delete.
package clean

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Run moves dir aside and deletes it in the background. The returned
// channel is closed once the files are gone. A missing dir is not an error.
func Run(dir string) (<-chan struct{}, error) {
	done := make(chan struct{})

	absPath, err := filepath.Abs(dir)
	if err != nil {
		close(done)
		return done, err
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		close(done)
		return done, nil
	}

	parent := filepath.Dir(absPath)
	tempName := fmt.Sprintf("%s_deleting_%d", filepath.Base(absPath), time.Now().UnixNano())
	tempPath := filepath.Join(parent, tempName)

	if err := os.Rename(absPath, tempPath); err != nil {
		// Rename failed, delete synchronously
		defer close(done)
		if err := os.RemoveAll(absPath); err != nil {
			return done, fmt.Errorf("failed to remove %s: %w", absPath, err)
		}
		return done, nil
	}

	go func() {
		defer close(done)
		_ = os.RemoveAll(tempPath)
	}()
	return done, nil
}
