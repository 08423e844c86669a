package cachestore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	bolt "go.etcd.io/bbolt"
)

// Options tunes how the cache database is opened.
type Options struct {
	Timeout time.Duration // BoltDB lock timeout
	IsDev   bool          // relax fsync on file growth
	BlobFs  afero.Fs      // defaults to the OS filesystem
}

// Manager owns every partition in one cache directory.
type Manager struct {
	db       *bolt.DB
	blobs    *BlobStore
	basePath string
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// Open opens or creates a cache at the given path
func Open(basePath string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BlobFs == nil {
		opts.BlobFs = afero.NewOsFs()
	}

	db, err := bolt.Open(filepath.Join(basePath, "partitions.db"), 0644, &bolt.Options{
		Timeout:      opts.Timeout,
		FreelistType: bolt.FreelistArrayType,
		NoGrowSync:   opts.IsDev,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	blobs, err := NewBlobStore(opts.BlobFs, filepath.Join(basePath, "blobs"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = blobs.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		_ = blobs.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{
		db:       db,
		blobs:    blobs,
		basePath: basePath,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Close closes the cache
func (m *Manager) Close() error {
	_ = m.encoder.Close()
	m.decoder.Close()
	if m.blobs != nil {
		_ = m.blobs.Close()
	}
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Generation returns the partition set for one worker version.
func (m *Manager) Generation(namespace, version string) *Generation {
	return &Generation{m: m, namespace: namespace, version: version}
}

// Partition returns a handle on a named partition. The bucket is only
// created on first write.
func (m *Manager) Partition(name string, purpose Purpose) *Partition {
	return &Partition{m: m, name: name, purpose: purpose}
}

// Names lists every partition, sorted.
func (m *Manager) Names() ([]string, error) {
	var names []string
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

// DeleteObsolete removes every partition in namespace whose name is not in
// current. A failed deletion is logged and the sweep carries on with the
// remaining partitions; the failures are returned joined.
func (m *Manager) DeleteObsolete(namespace string, current []string) (deleted []string, err error) {
	names, err := m.Names()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	keep := make(map[string]bool, len(current))
	for _, name := range current {
		keep[name] = true
	}

	var errs []error
	prefix := namespace + "-"
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || keep[name] {
			continue
		}
		if err := m.deletePartition(name); err != nil {
			slog.Warn("Failed to delete obsolete partition", "partition", name, "error", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

func (m *Manager) deletePartition(name string) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}
	return m.blobs.RemoveCategory(name)
}

// Stats reports entry counts and bytes per partition.
func (m *Manager) Stats() ([]PartitionStats, error) {
	var stats []PartitionStats
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			ps := PartitionStats{Name: string(name)}
			err := b.ForEach(func(_, v []byte) error {
				var rec record
				if err := Decode(v, &rec); err != nil {
					return nil // skip corrupt entries
				}
				ps.Entries++
				ps.Bytes += rec.Size
				return nil
			})
			stats = append(stats, ps)
			return err
		})
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats, err
}

// Generation is the pair of partitions owned by one worker version.
type Generation struct {
	m         *Manager
	namespace string
	version   string
}

// Name returns the partition name for a purpose.
func (g *Generation) Name(p Purpose) string {
	return g.namespace + "-" + g.version + "-" + string(p)
}

// Open returns the partition for a purpose. Idempotent.
func (g *Generation) Open(p Purpose) *Partition {
	return g.m.Partition(g.Name(p), p)
}

// Current lists the partition names this generation keeps.
func (g *Generation) Current() []string {
	return []string{g.Name(PurposePrimary), g.Name(PurposeAudio)}
}

// DeleteObsolete sweeps every other generation's partitions.
func (g *Generation) DeleteObsolete() ([]string, error) {
	return g.m.DeleteObsolete(g.namespace, g.Current())
}
