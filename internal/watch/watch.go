// Package watch wraps fsnotify into a debounced, coalescing file-change
// event stream (spec.md §4.H): a 500ms debounce window restarts on every
// new event, bounded by a 2s forced-flush cap so a continuously-writing
// process can never starve the indexer; create+delete of the same path
// within the window cancel out, and repeated modifies collapse into one.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/engram-dev/engram/internal/config"
	"github.com/engram-dev/engram/internal/debug"
	"github.com/engram-dev/engram/internal/errors"
)

type ChangeKind int

const (
	Created ChangeKind = iota
	Modified
	Removed
)

type Batch struct {
	Created  []string
	Modified []string
	Removed  []string
}

func (b Batch) Empty() bool {
	return len(b.Created) == 0 && len(b.Modified) == 0 && len(b.Removed) == 0
}

// ShouldIgnore is supplied by the caller (the scanner's ignore matcher)
// so the watcher doesn't duplicate glob-matching logic.
type ShouldIgnoreFunc func(relPath string) bool

type Watcher struct {
	root         string
	shouldIgnore ShouldIgnoreFunc
	fsw          *fsnotify.Watcher

	mu          sync.Mutex
	pending     map[string]ChangeKind
	firstEvent  time.Time
	timer       *time.Timer

	out    chan Batch
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(root string, shouldIgnore ShouldIgnoreFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New(errors.StorageUnavailable, "watch.New", err).WithPath(root)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		root:         root,
		shouldIgnore: shouldIgnore,
		fsw:          fsw,
		pending:      make(map[string]ChangeKind),
		out:          make(chan Batch, 16),
		ctx:          ctx,
		cancel:       cancel,
	}
	return w, nil
}

// Start recursively adds watches under root, skipping ignored and
// symlink-cyclic directories, then begins processing fsnotify events.
func (w *Watcher) Start() error {
	if err := w.addWatches(w.root, make(map[string]bool)); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

func (w *Watcher) Stop() {
	w.cancel()
	w.fsw.Close()
	w.wg.Wait()
}

// Events returns the channel of coalesced, debounced change batches.
func (w *Watcher) Events() <-chan Batch { return w.out }

func (w *Watcher) addWatches(dir string, visited map[string]bool) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil
	}
	if visited[resolved] {
		return nil
	}
	visited[resolved] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		debug.LogWatch("add watch failed for %s: %v", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		full := filepath.Join(dir, e.Name())
		rel, _ := filepath.Rel(w.root, full)
		if w.shouldIgnore != nil && w.shouldIgnore(filepath.ToSlash(rel)) {
			continue
		}
		if err := w.addWatches(full, visited); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			debug.LogWatch("fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if w.shouldIgnore != nil && w.shouldIgnore(rel) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addWatches(ev.Name, make(map[string]bool))
		}
	}

	var kind ChangeKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = Created
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = Removed
	case ev.Op&fsnotify.Write != 0:
		kind = Modified
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.recordLocked(rel, kind)

	if w.timer == nil {
		w.firstEvent = time.Now()
	}
	w.rescheduleLocked()
}

// recordLocked applies create/delete cancellation and modify collapsing:
// a create then delete of the same path within the window cancels both; a
// delete then create is treated as a modify (the path survives, content
// may differ); writes to a path created in the same window leave it
// Created; repeated writes collapse to a single Modified entry.
func (w *Watcher) recordLocked(rel string, kind ChangeKind) {
	existing, ok := w.pending[rel]
	if !ok {
		w.pending[rel] = kind
		return
	}
	switch {
	case existing == Created && kind == Removed:
		delete(w.pending, rel)
	case existing == Created && kind == Modified:
		// still a new file as far as the batch is concerned
	case existing == Removed && kind == Created:
		w.pending[rel] = Modified
	default:
		w.pending[rel] = kind
	}
}

func (w *Watcher) rescheduleLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	elapsed := time.Since(w.firstEvent)
	wait := config.DebounceWindow
	if elapsed+wait > config.ForceFlushCap {
		remaining := config.ForceFlushCap - elapsed
		if remaining < 0 {
			remaining = 0
		}
		wait = remaining
	}
	w.timer = time.AfterFunc(wait, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.timer = nil
		w.mu.Unlock()
		return
	}
	batch := Batch{}
	for path, kind := range w.pending {
		switch kind {
		case Created:
			batch.Created = append(batch.Created, path)
		case Modified:
			batch.Modified = append(batch.Modified, path)
		case Removed:
			batch.Removed = append(batch.Removed, path)
		}
	}
	w.pending = make(map[string]ChangeKind)
	w.timer = nil
	w.mu.Unlock()

	// Do not send under the lock: a slow consumer must never block new
	// fsnotify events from being recorded into the next batch.
	select {
	case w.out <- batch:
	case <-w.ctx.Done():
	}
}
