package watch

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsFrameFile(t *testing.T) {
	cases := map[string]bool{
		"light_001.fit":  true,
		"light_001.FITS": true,
		"stack.fts":      true,
		"capture.ser":    true,
		"notes.txt":      false,
		"light_001":      false,
	}
	for path, want := range cases {
		if got := isFrameFile(path); got != want {
			t.Errorf("isFrameFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func waitEvent(t *testing.T, w *SequenceWatcher, wantPath, wantOp string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events:
			if ev.Path == wantPath && ev.Operation == wantOp {
				return
			}
			// Editors and filesystems emit extra events; keep looking.
		case <-deadline:
			t.Fatalf("no %s event for %s", wantOp, wantPath)
		}
	}
}

func TestWatcherReportsFrameArrivals(t *testing.T) {
	dir := t.TempDir()
	w, err := New(testLogger(), []string{dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	framePath := filepath.Join(dir, "light_001.fit")
	if err := os.WriteFile(framePath, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, w, framePath, "created")

	if err := os.Remove(framePath); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, w, framePath, "deleted")
}

func TestWatcherIgnoresNonFrameFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := New(testLogger(), []string{dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-w.Events:
		t.Errorf("unexpected event %+v for a non-frame file", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartFailsOnMissingDirectory(t *testing.T) {
	w, err := New(testLogger(), []string{"/nonexistent/astroseq-watch"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.watcher.Close()
	if err := w.Start(); err == nil {
		t.Error("watching a missing directory must fail")
	}
}

func TestStopClosesEventsAfterPumpDrains(t *testing.T) {
	dir := t.TempDir()
	w, err := New(testLogger(), []string{dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Queue a burst of events and stop while some may still be in
	// flight inside the pump.
	for i := 0; i < 50; i++ {
		name := filepath.Join(dir, fmt.Sprintf("light_%03d.fit", i))
		if err := os.WriteFile(name, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The pump owns the channel: it must close Events on its way out,
	// never panic on a late send.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-w.Events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Events never closed after Stop")
		}
	}
}
