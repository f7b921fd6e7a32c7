package background

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConfigReloadFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var reloads int32
	onReload := func(ctx context.Context) {
		atomic.AddInt32(&reloads, 1)
	}

	cr := NewConfigReload(path, 20*time.Millisecond, onReload, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cr.Run(ctx)
	}()
	// Give the watcher goroutine time to register before mutating.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"a":2}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&reloads) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&reloads) == 0 {
		t.Fatal("expected OnReload to fire after a debounced write to the watched config file")
	}

	cancel()
	wg.Wait()
}

func TestConfigReloadDebouncesBurstOfWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var reloads int32
	onReload := func(ctx context.Context) {
		atomic.AddInt32(&reloads, 1)
	}

	cr := NewConfigReload(path, 150*time.Millisecond, onReload, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cr.Run(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"n":`+string(rune('0'+i))+`}`), 0o644); err != nil {
			t.Fatalf("rewrite config: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(400 * time.Millisecond)
	cancel()
	wg.Wait()

	if got := atomic.LoadInt32(&reloads); got != 1 {
		t.Fatalf("expected a burst of writes to collapse into exactly one reload, got %d", got)
	}
}
