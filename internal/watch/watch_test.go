package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDebounceBatchesDistinctPaths(t *testing.T) {
	events := make(chan Event, 8)
	calls := make(chan []string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		Debounce(ctx, events, 50*time.Millisecond, func(ctx context.Context, paths []string) {
			calls <- paths
		})
		close(done)
	}()

	events <- Event{Path: "b_red.fits"}
	events <- Event{Path: "a_red.fits"}
	events <- Event{Path: "b_red.fits"}

	select {
	case got := <-calls:
		if len(got) != 2 || got[0] != "a_red.fits" || got[1] != "b_red.fits" {
			t.Fatalf("unexpected batch %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("debounce never fired")
	}

	events <- Event{Path: "c_red.fits"}
	close(events)
	select {
	case got := <-calls:
		if len(got) != 1 || got[0] != "c_red.fits" {
			t.Fatalf("pending batch not flushed on close: %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending batch not flushed on close")
	}
	<-done
}

func TestWatcherReportsReducedImagesInNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	day := filepath.Join(root, "2024", "01", "01")
	if err := os.MkdirAll(day, 0o755); err != nil {
		t.Fatal(err)
	}
	// give the watcher time to add the new directories
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(day, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(day, "ML1_20240101_000000_red.fits")
	if err := os.WriteFile(want, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events:
			if ev.Path == want {
				return
			}
			if filepath.Base(ev.Path) == "notes.txt" {
				t.Fatalf("non-reduced file reported: %v", ev)
			}
		case <-deadline:
			t.Fatalf("no event for %s", want)
		}
	}
}
