package cachestore

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
)

func newTestBlobStore(t *testing.T) (*BlobStore, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := NewBlobStore(fs, "/blobs")
	if err != nil {
		t.Fatalf("NewBlobStore() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, fs
}

func TestBlobStore_SmallContentStoredRaw(t *testing.T) {
	s, fs := newTestBlobStore(t)

	hash, compressed, err := s.Put("cat", []byte("hello"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if compressed {
		t.Error("small content should not be compressed")
	}
	if ok, _ := afero.Exists(fs, s.shardPath("cat", hash)+".raw"); !ok {
		t.Error("expected sharded .raw file")
	}

	got, err := s.Get("cat", hash, false)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get() = %q", got)
	}
}

func TestBlobStore_LargeContentRoundTrip(t *testing.T) {
	s, _ := newTestBlobStore(t)
	content := bytes.Repeat([]byte("abcdefgh"), 4096)

	hash, compressed, err := s.Put("cat", content)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if !compressed {
		t.Error("large content should be compressed")
	}

	// Wrong hint still finds the other extension.
	got, err := s.Get("cat", hash, false)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("round trip mismatch")
	}

	size, err := s.Size("cat")
	if err != nil {
		t.Fatalf("Size() failed: %v", err)
	}
	if size <= 0 || size >= int64(len(content)) {
		t.Errorf("Size() = %d, expected compressed size", size)
	}
}

func TestBlobStore_MissingAndRemoveCategory(t *testing.T) {
	s, _ := newTestBlobStore(t)

	if _, err := s.Get("cat", "deadbeef", false); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Get() error = %v, want ErrBlobNotFound", err)
	}

	hash, _, err := s.Put("cat", []byte("x"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.RemoveCategory("cat"); err != nil {
		t.Fatalf("RemoveCategory() failed: %v", err)
	}
	if s.Exists("cat", hash) {
		t.Error("blob should be gone after RemoveCategory")
	}
	if size, _ := s.Size("cat"); size != 0 {
		t.Errorf("Size() after removal = %d", size)
	}
}

func TestBlobStore_ConcurrentPutSameContent(t *testing.T) {
	s, fs := newTestBlobStore(t)
	content := []byte("identical voice note bytes")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.Put("cat", content)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Put #%d failed: %v", i, err)
		}
	}
	got, err := s.Get("cat", HashContent(content), false)
	if err != nil || !bytes.Equal(got, content) {
		t.Errorf("Get() = %q, %v", got, err)
	}
	_ = afero.Walk(fs, "/blobs", func(path string, _ os.FileInfo, _ error) error {
		if strings.HasSuffix(path, ".tmp") {
			t.Errorf("leftover temp file %s", path)
		}
		return nil
	})
}

// lostRenameFs lands the target before refusing the rename, as when a
// concurrent writer wins.
type lostRenameFs struct {
	afero.Fs
}

func (f lostRenameFs) Rename(oldname, newname string) error {
	if err := f.Fs.Rename(oldname, newname); err != nil {
		return err
	}
	return errors.New("rename lost")
}

func TestBlobStore_LostRenameWithTargetPresent(t *testing.T) {
	fs := lostRenameFs{Fs: afero.NewMemMapFs()}
	s, err := NewBlobStore(fs, "/blobs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	hash, _, err := s.Put("cat", []byte("clip"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if !s.Exists("cat", hash) {
		t.Error("blob should exist")
	}
}
