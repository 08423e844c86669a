package cachestore

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Partition is a named key/value store of request identity to response
// snapshot. Every Put and Delete is its own transaction; nothing spanning
// several keys is atomic.
type Partition struct {
	m       *Manager
	name    string
	purpose Purpose
}

// Name returns the partition name
func (p *Partition) Name() string {
	return p.name
}

// Purpose returns what the partition holds
func (p *Partition) Purpose() Purpose {
	return p.purpose
}

// Match returns the entry for key, or nil when absent.
func (p *Partition) Match(key string) (*Entry, error) {
	var rec *record
	err := p.m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(p.name))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		var r record
		if err := Decode(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	if err != nil || rec == nil {
		return nil, err
	}
	return p.materialize(key, rec)
}

// Put stores entry under key, overwriting any previous value. Audio bodies
// go to the blob store before the record is written, so a crash leaves at
// worst an unreferenced blob.
func (p *Partition) Put(key string, entry *Entry) error {
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	rec := record{
		URL:         entry.URL,
		Status:      entry.Status,
		StatusText:  entry.StatusText,
		Header:      entry.Header.Clone(),
		ContentHash: HashContent(entry.Body),
		Size:        int64(len(entry.Body)),
		StoredAt:    storedAt.UnixMilli(),
	}

	switch {
	case p.purpose == PurposeAudio:
		hash, compressed, err := p.m.blobs.Put(p.name, entry.Body)
		if err != nil {
			return fmt.Errorf("failed to store body for %s: %w", key, err)
		}
		rec.BlobHash = hash
		rec.Compressed = compressed
	case len(entry.Body) >= RawThreshold:
		rec.Body = p.m.encoder.EncodeAll(entry.Body, nil)
		rec.Compressed = true
	default:
		rec.Body = entry.Body
	}

	data, err := Encode(&rec)
	if err != nil {
		return err
	}

	return p.m.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(p.name))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", p.name, err)
		}
		return bucket.Put([]byte(key), data)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (p *Partition) Delete(key string) error {
	var blobHash string
	var stillUsed bool
	err := p.m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(p.name))
		if bucket == nil {
			return nil
		}
		if data := bucket.Get([]byte(key)); data != nil {
			var rec record
			if err := Decode(data, &rec); err == nil {
				blobHash = rec.BlobHash
			}
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return err
		}
		if blobHash == "" {
			return nil
		}
		// Same content may be cached under another URL.
		return bucket.ForEach(func(_, v []byte) error {
			var rec record
			if Decode(v, &rec) == nil && rec.BlobHash == blobHash {
				stillUsed = true
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if blobHash != "" && !stillUsed {
		if err := p.m.blobs.Delete(p.name, blobHash); err != nil {
			slog.Warn("Failed to delete blob", "partition", p.name, "hash", blobHash, "error", err)
		}
	}
	return nil
}

// Keys lists every key in the partition.
func (p *Partition) Keys() ([]string, error) {
	var keys []string
	err := p.m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(p.name))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// ForEach visits every entry. Entries that fail to decode are skipped.
// fn runs outside the read transaction, so it may call Put or Delete.
func (p *Partition) ForEach(fn func(*Entry) error) error {
	keys, err := p.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		entry, err := p.Match(key)
		if err != nil || entry == nil {
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

func (p *Partition) materialize(key string, rec *record) (*Entry, error) {
	var body []byte
	switch {
	case rec.BlobHash != "":
		b, err := p.m.blobs.Get(p.name, rec.BlobHash, rec.Compressed)
		if err != nil {
			return nil, err
		}
		body = b
	case rec.Compressed:
		b, err := p.m.decoder.DecodeAll(rec.Body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", key, err)
		}
		body = b
	default:
		body = rec.Body
	}

	header := http.Header(rec.Header)
	if header == nil {
		header = make(http.Header)
	}

	return &Entry{
		Key:         key,
		URL:         rec.URL,
		Status:      rec.Status,
		StatusText:  rec.StatusText,
		Header:      header,
		Body:        body,
		ContentHash: rec.ContentHash,
		StoredAt:    time.UnixMilli(rec.StoredAt),
	}, nil
}
