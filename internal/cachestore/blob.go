package cachestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// ErrBlobNotFound is returned when a hash has no stored blob.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore provides content-addressed body storage with two-tier sharding.
// Each partition gets its own category directory so a whole partition can be
// dropped with a single RemoveAll.
type BlobStore struct {
	fs       afero.Fs
	basePath string
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewBlobStore creates a blob store rooted at basePath on fs.
func NewBlobStore(fs afero.Fs, basePath string) (*BlobStore, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &BlobStore{
		fs:       fs,
		basePath: basePath,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Close releases resources
func (s *BlobStore) Close() error {
	_ = s.encoder.Close()
	s.decoder.Close()
	return nil
}

// shardPath computes the two-tier shard path: hash[0:2]/hash[2:4]/hash
func (s *BlobStore) shardPath(category, hash string) string {
	if len(hash) < 4 {
		return filepath.Join(s.basePath, category, hash)
	}
	return filepath.Join(s.basePath, category, hash[0:2], hash[2:4], hash)
}

func blobExt(compressed bool) string {
	if compressed {
		return ".zst"
	}
	return ".raw"
}

// Put stores content and returns its hash and whether it was compressed.
// Existing blobs are left untouched.
func (s *BlobStore) Put(category string, content []byte) (hash string, compressed bool, err error) {
	hash = HashContent(content)
	compressed = len(content) >= RawThreshold

	path := s.shardPath(category, hash) + blobExt(compressed)
	if _, err := s.fs.Stat(path); err == nil {
		return hash, compressed, nil
	}

	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", false, fmt.Errorf("failed to create directory: %w", err)
	}

	data := content
	if compressed {
		data = s.encoder.EncodeAll(content, nil)
	}

	// Atomic write: unique .tmp -> fsync -> rename. Concurrent writers of
	// the same content each get their own temp file.
	f, err := afero.TempFile(s.fs, filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmpPath)
		return "", false, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmpPath)
		return "", false, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return "", false, fmt.Errorf("failed to close blob: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		_ = s.fs.Remove(tmpPath)
		// Another writer landed the same bytes first.
		if _, statErr := s.fs.Stat(path); statErr == nil {
			return hash, compressed, nil
		}
		return "", false, fmt.Errorf("failed to rename blob: %w", err)
	}

	return hash, compressed, nil
}

// Get retrieves content by hash, trying the recorded encoding first.
func (s *BlobStore) Get(category, hash string, compressed bool) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.shardPath(category, hash)+blobExt(compressed))
	if err != nil {
		compressed = !compressed
		data, err = afero.ReadFile(s.fs, s.shardPath(category, hash)+blobExt(compressed))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
		}
	}

	if compressed {
		return s.decoder.DecodeAll(data, nil)
	}
	return data, nil
}

// Exists checks if a hash exists in the category
func (s *BlobStore) Exists(category, hash string) bool {
	for _, ext := range []string{".raw", ".zst"} {
		if _, err := s.fs.Stat(s.shardPath(category, hash) + ext); err == nil {
			return true
		}
	}
	return false
}

// Delete removes a hash from the category
func (s *BlobStore) Delete(category, hash string) error {
	for _, ext := range []string{".raw", ".zst"} {
		if err := s.fs.Remove(s.shardPath(category, hash) + ext); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RemoveCategory drops every blob belonging to a category.
func (s *BlobStore) RemoveCategory(category string) error {
	return s.fs.RemoveAll(filepath.Join(s.basePath, category))
}

// Size returns total bytes used by a category
func (s *BlobStore) Size(category string) (int64, error) {
	root := filepath.Join(s.basePath, category)
	if _, err := s.fs.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}

	var total int64
	err := afero.Walk(s.fs, root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
