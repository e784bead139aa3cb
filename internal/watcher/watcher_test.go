package watcher

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/memory-hub/internal/storage"
)

func TestWatcherEnqueuesRefreshOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	store := storage.New(t.TempDir(), root)

	w := New(store, "proj-watch", 100*time.Millisecond, log.New(&bytes.Buffer{}, "", 0))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "src", "app.py"), []byte("import os\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	db, err := store.Connect(ctx, "proj-watch")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer db.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		pending, err := db.CountPendingCatalogJobs(ctx)
		if err != nil {
			t.Fatalf("CountPendingCatalogJobs failed: %v", err)
		}
		if pending >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no refresh job enqueued after file change")
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil && err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}
}
