// Package cachestore provides the partitioned response cache behind the
// offline worker: a BoltDB file with one bucket per partition, plus a
// content-addressed blob store for immutable audio bodies.
//
// Partition names carry the worker version (`<namespace>-<version>-<purpose>`)
// so that a new worker generation writes into fresh buckets and the previous
// generation's buckets can be swept on activation.
package cachestore

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// Purpose identifies which category of resource a partition holds.
type Purpose string

const (
	PurposePrimary Purpose = "primary"
	PurposeAudio   Purpose = "audio"
)

// Constants for inline body compression
const (
	RawThreshold = 8 * 1024 // < 8KB stored raw
)

// Entry is one cached response snapshot.
type Entry struct {
	Key         string
	URL         string
	Status      int
	StatusText  string
	Header      http.Header
	Body        []byte
	ContentHash string
	StoredAt    time.Time
}

// record is the msgpack form of an Entry as stored in a bucket.
type record struct {
	URL         string              `msgpack:"url"`
	Status      int                 `msgpack:"status"`
	StatusText  string              `msgpack:"status_text"`
	Header      map[string][]string `msgpack:"header"`
	Body        []byte              `msgpack:"body,omitempty"` // inline bodies (primary)
	Compressed  bool                `msgpack:"compressed"`
	BlobHash    string              `msgpack:"blob_hash,omitempty"` // blob-store bodies (audio)
	ContentHash string              `msgpack:"content_hash"`
	Size        int64               `msgpack:"size"`
	StoredAt    int64               `msgpack:"stored_at"`
}

// PartitionStats summarises one partition
type PartitionStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// RequestKey builds the cache key for a request identity. Only GET requests
// are ever stored, so the key is the method plus the absolute URL.
func RequestKey(method, rawURL string) string {
	return method + " " + rawURL
}

// HashContent computes BLAKE3 hash of content and returns hex string
func HashContent(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Encode serializes a value to msgpack bytes
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode deserializes msgpack bytes to a value
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
