// Package watcher detects newly written screenshots in a directory tree.
//
// Each qualifying Create event starts a stability check that polls the file
// size until it stops changing. Stabilized files are handed to a Handler,
// once per path at a time.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shutterpost/shutterpost/internal/compress"
)

// Default stability check settings.
const (
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 30
	// stablePolls is how many consecutive unchanged, non-zero sizes mark a
	// file as fully written.
	stablePolls = 2
)

var (
	// ErrNotFound is returned by Start when the directory does not exist.
	ErrNotFound = errors.New("watcher: directory not found")
	// ErrAlreadyRunning is returned by Start on a running watcher.
	ErrAlreadyRunning = errors.New("watcher: already running")
)

// SupportedExtensions lists the lowercased image extensions that are picked up.
var SupportedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// Handler receives the absolute path of each stabilized file.
type Handler func(path string)

// WatcherOpts holds parameters for creating a Watcher.
type WatcherOpts struct {
	Handler      Handler
	PollInterval time.Duration // defaults to DefaultPollInterval
	MaxPolls     int           // defaults to DefaultMaxPolls
}

// Watcher watches one directory tree at a time.
type Watcher struct {
	handler      Handler
	pollInterval time.Duration
	maxPolls     int

	mu       sync.Mutex
	fw       *fsnotify.Watcher
	dir      string
	done     chan struct{}
	loopDone chan struct{}
	inflight map[string]struct{}
	checks   sync.WaitGroup
}

// NewWatcher creates a stopped Watcher.
func NewWatcher(opts WatcherOpts) (*Watcher, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("watcher: handler is required")
	}
	w := &Watcher{
		handler:      opts.Handler,
		pollInterval: opts.PollInterval,
		maxPolls:     opts.MaxPolls,
		inflight:     make(map[string]struct{}),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.maxPolls <= 0 {
		w.maxPolls = DefaultMaxPolls
	}
	return w, nil
}

// Start begins watching dir and all of its subdirectories.
func (w *Watcher) Start(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("watcher: start %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("watcher: start %s: %w", abs, ErrNotFound)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fw != nil {
		return fmt.Errorf("watcher: start %s: %w", abs, ErrAlreadyRunning)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: start %s: %w", abs, err)
	}
	if err := fw.Add(abs); err != nil {
		fw.Close()
		return fmt.Errorf("watcher: start %s: %w", abs, err)
	}
	w.fw = fw
	w.dir = abs
	w.done = make(chan struct{})
	w.loopDone = make(chan struct{})
	w.addSubdirs(abs, false)

	go w.loop(fw, w.done, w.loopDone)
	log.Printf("watcher: watching %s", abs)
	return nil
}

// Stop ends observation. Stability checks already under way finish and
// still reach the handler. Stop is a no-op on a stopped watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw, done, loopDone := w.fw, w.done, w.loopDone
	w.fw = nil
	w.mu.Unlock()
	if fw == nil {
		return
	}

	close(done)
	fw.Close()
	<-loopDone
	log.Printf("watcher: stopped")
}

// Running reports whether the watcher is observing a directory.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fw != nil
}

// Dir returns the directory being watched, or the last one watched.
func (w *Watcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Wait blocks until every scheduled stability check and its handler call
// have returned.
func (w *Watcher) Wait() {
	w.checks.Wait()
}

func (w *Watcher) loop(fw *fsnotify.Watcher, done, loopDone chan struct{}) {
	defer close(loopDone)
	for {
		select {
		case <-done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// Files may land in a new directory before it is watched.
		w.mu.Lock()
		if w.fw != nil {
			w.addSubdirs(ev.Name, true)
		}
		w.mu.Unlock()
		return
	}
	if Qualifies(ev.Name) {
		w.schedule(ev.Name)
	}
}

// addSubdirs watches every directory under root. When scan is set, image
// files already present are scheduled too. Callers hold w.mu.
func (w *Watcher) addSubdirs(root string, scan bool) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.dir {
				if err := w.fw.Add(path); err != nil {
					log.Printf("watcher: watch %s: %v", path, err)
				}
			}
			return nil
		}
		if scan && d.Type().IsRegular() && Qualifies(path) {
			w.scheduleLocked(path)
		}
		return nil
	})
}

// Qualifies reports whether path has a supported image extension and is not
// a compression artifact.
func Qualifies(path string) bool {
	if compress.IsArtifact(path) {
		return false
	}
	return SupportedExtensions[strings.ToLower(filepath.Ext(path))]
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fw == nil {
		return
	}
	w.scheduleLocked(path)
}

// scheduleLocked starts a stability check unless one is already running
// for path.
func (w *Watcher) scheduleLocked(path string) {
	if _, busy := w.inflight[path]; busy {
		return
	}
	w.inflight[path] = struct{}{}
	w.checks.Add(1)
	go func() {
		defer w.checks.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, path)
			w.mu.Unlock()
		}()

		if !w.waitStable(path) {
			return
		}
		log.Printf("watcher: detected %s", filepath.Base(path))
		w.handler(path)
	}()
}

// waitStable polls the size of path until it is non-zero and unchanged for
// stablePolls consecutive polls. It returns false if the file disappears or
// the poll budget runs out.
func (w *Watcher) waitStable(path string) bool {
	last := int64(-1)
	stable := 0
	for i := 0; i < w.maxPolls; i++ {
		info, err := os.Stat(path)
		if err != nil {
			log.Printf("watcher: %s vanished before it settled", filepath.Base(path))
			return false
		}
		size := info.Size()
		if size == last && size > 0 {
			stable++
			if stable >= stablePolls {
				return true
			}
		} else {
			stable = 0
			last = size
		}
		time.Sleep(w.pollInterval)
	}
	log.Printf("watcher: %s did not settle after %d polls, skipping", filepath.Base(path), w.maxPolls)
	return false
}
