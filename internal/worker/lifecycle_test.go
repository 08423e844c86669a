package worker

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
)

func TestLifecycle_InstallThenActivate(t *testing.T) {
	env := newTestWorker(t, failingFetcher(nil))
	ctx := context.Background()

	if got := env.w.State(); got != StateInstalling {
		t.Fatalf("initial state = %s", got)
	}
	if err := env.w.Activate(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Activate() before install error = %v, want ErrInvalidTransition", err)
	}
	if err := env.w.Install(ctx); err != nil {
		t.Fatalf("Install() failed: %v", err)
	}
	if got := env.w.State(); got != StateInstalled {
		t.Errorf("state after install = %s", got)
	}
	if err := env.w.Activate(ctx); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	if got := env.w.State(); got != StateActivated {
		t.Errorf("state after activate = %s", got)
	}
	if err := env.w.Install(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Install() error = %v, want ErrInvalidTransition", err)
	}

	env.w.Retire()
	if got := env.w.State(); got != StateRedundant {
		t.Errorf("state after retire = %s", got)
	}
}

func TestLifecycle_ActivateDeletesOldVersionPartitions(t *testing.T) {
	store := newTestStore(t)
	old := newTestWorkerWith(t, store, "v1", failingFetcher(nil))
	seedPrimary(t, old.w, handoffURL, `{"id":42}`, time.Now())
	if err := old.w.Audio().Put(cachestore.RequestKey(http.MethodGet, voiceNoteURL), &cachestore.Entry{
		URL:    voiceNoteURL,
		Status: http.StatusOK,
		Header: make(http.Header),
		Body:   []byte("audio"),
	}); err != nil {
		t.Fatal(err)
	}

	foreign := store.Generation("other", "v1").Open(cachestore.PurposePrimary)
	if err := foreign.Put("GET x", &cachestore.Entry{URL: "x", Status: http.StatusOK, Header: make(http.Header)}); err != nil {
		t.Fatal(err)
	}

	next := newTestWorkerWith(t, store, "v2", failingFetcher(nil))
	seedPrimary(t, next.w, otherURL, `{"id":43}`, time.Now())

	ctx := context.Background()
	if err := next.w.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if err := next.w.Activate(ctx); err != nil {
		t.Fatal(err)
	}

	names, err := store.Names()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"handoff-v2-primary", "other-v1-primary"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("partitions = %v, want %v", names, want)
	}
}

func TestLifecycle_WaitForActivation(t *testing.T) {
	env := newTestWorker(t, failingFetcher(nil))
	if !env.w.ActivatesEagerly() {
		t.Error("workers activate eagerly by default")
	}

	w, err := New(Options{
		Namespace:         "handoff",
		Version:           "v9",
		WaitForActivation: true,
		Store:             env.store,
		Fetcher:           failingFetcher(nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.ActivatesEagerly() {
		t.Error("WaitForActivation worker should not activate eagerly")
	}
}
