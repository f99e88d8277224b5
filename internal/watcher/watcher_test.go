package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recorder collects handler calls.
type recorder struct {
	mu    sync.Mutex
	paths []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 32)}
}

func (r *recorder) handle(path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	r.ch <- path
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
		return ""
	}
}

func newTestWatcher(t *testing.T, rec *recorder) *Watcher {
	t.Helper()
	w, err := NewWatcher(WatcherOpts{
		Handler:      rec.handle,
		PollInterval: 10 * time.Millisecond,
		MaxPolls:     30,
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() {
		w.Stop()
		w.Wait()
	})
	return w
}

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestNewWatcher_RequiresHandler(t *testing.T) {
	if _, err := NewWatcher(WatcherOpts{}); err == nil {
		t.Fatal("expected error without handler")
	}
}

func TestNewWatcher_Defaults(t *testing.T) {
	w, err := NewWatcher(WatcherOpts{Handler: func(string) {}})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if w.pollInterval != DefaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", w.pollInterval, DefaultPollInterval)
	}
	if w.maxPolls != DefaultMaxPolls {
		t.Errorf("maxPolls = %d, want %d", w.maxPolls, DefaultMaxPolls)
	}
}

func TestStart_MissingDir(t *testing.T) {
	w := newTestWatcher(t, newRecorder())
	err := w.Start(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start error = %v, want ErrNotFound", err)
	}
	if w.Running() {
		t.Error("Running() = true after failed start")
	}
}

func TestStart_FileNotDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.png")
	writeFile(t, path, "x")
	w := newTestWatcher(t, newRecorder())
	if err := w.Start(path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start error = %v, want ErrNotFound", err)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, newRecorder())
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(dir); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
	if !w.Running() {
		t.Error("Running() = false")
	}
	if w.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", w.Dir(), dir)
	}
}

func TestStop_NoopAndRestart(t *testing.T) {
	w := newTestWatcher(t, newRecorder())
	w.Stop() // not running

	dir := t.TempDir()
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()
	w.Stop()
	if w.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := w.Start(dir); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !w.Running() {
		t.Error("Running() = false after restart")
	}
}

// ---------------------------------------------------------------------------
// Detection
// ---------------------------------------------------------------------------

func TestDetect_NewImage(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := newTestWatcher(t, rec)
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(dir, "VRChat_2026-02-01_18-45-30.960_3840x2160.png")
	writeFile(t, path, "png data")

	if got := rec.next(t); got != path {
		t.Errorf("handler path = %q, want %q", got, path)
	}
}

func TestDetect_IgnoresUnsupportedAndArtifacts(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := newTestWatcher(t, rec)
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeFile(t, filepath.Join(dir, "notes.txt"), "text")
	writeFile(t, filepath.Join(dir, "shot.compressed.png"), "artifact")
	marker := filepath.Join(dir, "marker.JPG")
	writeFile(t, marker, "jpeg data")

	if got := rec.next(t); got != marker {
		t.Errorf("handler path = %q, want %q", got, marker)
	}
	w.Stop()
	w.Wait()
	if paths := rec.all(); len(paths) != 1 {
		t.Errorf("handled %v, want only %s", paths, marker)
	}
}

func TestDetect_NewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := newTestWatcher(t, rec)
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := filepath.Join(dir, "2026-02")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	path := filepath.Join(sub, "shot.png")
	writeFile(t, path, "png data")

	if got := rec.next(t); got != path {
		t.Errorf("handler path = %q, want %q", got, path)
	}
}

func TestDetect_ExistingSubdirectoryWatched(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	w := newTestWatcher(t, rec)
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(sub, "deep.webp")
	writeFile(t, path, "webp data")
	if got := rec.next(t); got != path {
		t.Errorf("handler path = %q, want %q", got, path)
	}
}

func TestStop_NoNewDetections(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := newTestWatcher(t, rec)
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()

	writeFile(t, filepath.Join(dir, "late.png"), "png data")
	time.Sleep(100 * time.Millisecond)
	w.Wait()
	if paths := rec.all(); len(paths) != 0 {
		t.Errorf("handled %v after Stop, want none", paths)
	}
}

// ---------------------------------------------------------------------------
// Stability check
// ---------------------------------------------------------------------------

func TestWaitStable_StableFile(t *testing.T) {
	w := newTestWatcher(t, newRecorder())
	path := filepath.Join(t.TempDir(), "a.png")
	writeFile(t, path, "done")
	if !w.waitStable(path) {
		t.Error("waitStable = false for a settled file")
	}
}

func TestWaitStable_EmptyFileNeverSettles(t *testing.T) {
	w := newTestWatcher(t, newRecorder())
	w.maxPolls = 5
	path := filepath.Join(t.TempDir(), "empty.png")
	writeFile(t, path, "")
	if w.waitStable(path) {
		t.Error("waitStable = true for an empty file")
	}
}

func TestWaitStable_Vanished(t *testing.T) {
	w := newTestWatcher(t, newRecorder())
	if w.waitStable(filepath.Join(t.TempDir(), "gone.png")) {
		t.Error("waitStable = true for a missing file")
	}
}

func TestWaitStable_GrowingFile(t *testing.T) {
	w := newTestWatcher(t, newRecorder())
	w.maxPolls = 4
	path := filepath.Join(t.TempDir(), "growing.png")
	writeFile(t, path, "x")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer f.Close()
		for {
			select {
			case <-stop:
				return
			default:
			}
			f.Write([]byte("more"))
			time.Sleep(2 * time.Millisecond)
		}
	}()

	if w.waitStable(path) {
		t.Error("waitStable = true while the file keeps growing")
	}
}

func TestSchedule_InFlightSuppression(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := newTestWatcher(t, rec)
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Not created through the watched directory's events: schedule directly.
	other := t.TempDir()
	path := filepath.Join(other, "dup.png")
	writeFile(t, path, "png data")

	w.schedule(path)
	w.schedule(path)
	w.schedule(path)
	w.Wait()

	if paths := rec.all(); len(paths) != 1 {
		t.Fatalf("handled %d times, want 1", len(paths))
	}

	// Once finished, the same path can be scheduled again.
	w.schedule(path)
	w.Wait()
	if paths := rec.all(); len(paths) != 2 {
		t.Errorf("handled %d times after reschedule, want 2", len(paths))
	}
}

func TestQualifies(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/x/shot.png", true},
		{"/x/shot.PNG", true},
		{"/x/shot.jpg", true},
		{"/x/shot.jpeg", true},
		{"/x/shot.webp", true},
		{"/x/shot.gif", false},
		{"/x/shot.compressed.png", false},
		{"/x/noext", false},
	}
	for _, tt := range tests {
		if got := Qualifies(tt.path); got != tt.want {
			t.Errorf("Qualifies(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
