// Package projectstore holds the set of live, in-memory Project handles,
// bounded by an LRU eviction policy and a memory-pressure monitor
// (spec.md §4.G).
package projectstore

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/engram-dev/engram/internal/config"
	"github.com/engram-dev/engram/internal/debug"
	"github.com/engram-dev/engram/internal/errors"
	"github.com/engram-dev/engram/internal/indexer"
	"github.com/engram-dev/engram/internal/memory"
	"github.com/engram-dev/engram/internal/scanner"
	"github.com/engram-dev/engram/internal/store/layout"
	"github.com/engram-dev/engram/internal/tree"
	"github.com/engram-dev/engram/internal/types"
	"github.com/engram-dev/engram/internal/watch"
)

// Project is one project's full live state: its tree, memory store,
// watcher, and estimated resident memory footprint.
//
// Lock is the per-project async lock spec.md §5 requires: scans,
// incremental re-indexing, and memory writes are serialized by holding
// it; readers (GetContext, Status) take no lock and observe whatever
// write last completed, matching the spec's "all readers observe a
// write once it has acknowledged" guarantee without blocking reads on
// writes.
type Project struct {
	Hash     string
	Root     string
	Tree     *tree.Tree
	Memory   *memory.Store
	Scanner  *scanner.Scanner
	Watcher  *watch.Watcher
	Indexer  *indexer.Indexer
	Lock     sync.Mutex
	LastUsed time.Time
	estBytes int64

	stopPump chan struct{}
}

// EstimatedBytes is a coarse resident-size estimate used purely for the
// 70%/90% pressure thresholds, not an accounting-grade measurement: node
// count and memory-log length scaled by fixed per-item constants, matching
// the teacher's similarly approximate codebase_stats sizing.
func (p *Project) EstimatedBytes() int64 {
	const perNode = 256
	const perMemoryEntry = 512
	return int64(p.Tree.Len())*perNode + int64(p.Memory.Len())*perMemoryEntry
}

// pump drains the watcher's coalesced batches and applies each one to
// the indexer under Lock, serializing index mutations against concurrent
// memory writes and scans on the same project (spec.md §5 "mutations are
// serialized by a per-project lock").
func (p *Project) pump() {
	for {
		select {
		case <-p.stopPump:
			return
		case b, ok := <-p.Watcher.Events():
			if !ok {
				return
			}
			p.Lock.Lock()
			p.Indexer.ApplyBatch(b)
			p.Lock.Unlock()
		}
	}
}

func (p *Project) stop() {
	p.Watcher.Stop()
	close(p.stopPump)
}

// NotifyFileChange applies a single externally-reported path change
// through the same Indexer.ApplyBatch path the watcher's own debounced
// batches feed (spec.md §9 Open Question "notify_file_change vs
// watcher": a client-reported change must be wired to re-index, not
// merely accepted and dropped). It is applied under Lock exactly like a
// watcher batch so it serializes against concurrent scans and memory
// writes on the same project.
func (p *Project) NotifyFileChange(relPath string, kind watch.ChangeKind) {
	b := watch.Batch{}
	switch kind {
	case watch.Created:
		b.Created = []string{relPath}
	case watch.Modified:
		b.Modified = []string{relPath}
	case watch.Removed:
		b.Removed = []string{relPath}
	}
	p.Lock.Lock()
	p.Indexer.ApplyBatch(b)
	p.Lock.Unlock()
}

// Store is the bounded LRU of live Projects.
type Store struct {
	mu       sync.Mutex
	cfg      *config.Config
	dataDir  string
	capacity int

	order map[string]*list.Element // hash -> LRU element
	lru   *list.List

	loading singleflight.Group

	// OnNodeInvalidated, when set, is wired by the daemon to the context
	// cache's per-node invalidation so a re-indexed node drops any cache
	// entry that referenced it (spec.md §4.L).
	OnNodeInvalidated func(projectHash string, id types.NodeId)
}

func New(cfg *config.Config) *Store {
	return &Store{
		cfg:      cfg,
		dataDir:  cfg.DataDir,
		capacity: cfg.MaxProjects,
		order:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the live Project for hash, loading it from disk (cold
// start) if it is not already resident. Concurrent Gets for the same
// hash collapse onto a single load via singleflight, matching the
// teacher's errgroup/singleflight combination for cold-load fan-in.
func (s *Store) Get(hash, root string) (*Project, error) {
	s.mu.Lock()
	if el, ok := s.order[hash]; ok {
		s.lru.MoveToFront(el)
		p := el.Value.(*Project)
		p.LastUsed = time.Now()
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	v, err, _ := s.loading.Do(hash, func() (interface{}, error) {
		return s.load(hash, root)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Project), nil
}

func (s *Store) load(hash, root string) (*Project, error) {
	l := layout.New(s.dataDir, hash)
	if err := l.EnsureDirs(); err != nil {
		return nil, err
	}

	ignore := scanner.NewIgnoreMatcher(s.cfg.Exclude)
	_ = ignore.LoadGitignore(root)
	sc := scanner.New(ignore)

	t, err := sc.FullScan(root)
	if err != nil {
		return nil, errors.New(errors.StorageUnavailable, "projectstore.load", err).WithProject(hash)
	}

	mem, err := memory.Open(l)
	if err != nil {
		return nil, err
	}

	w, err := watch.New(root, func(rel string) bool { return sc.ShouldIgnore(rel) })
	if err != nil {
		return nil, err
	}

	ix := indexer.New(root, sc, t)
	ix.OnNodeRemoved = func(id types.NodeId) {
		if s.OnNodeInvalidated != nil {
			s.OnNodeInvalidated(hash, id)
		}
	}

	if err := w.Start(); err != nil {
		return nil, err
	}

	p := &Project{
		Hash:     hash,
		Root:     root,
		Tree:     t,
		Memory:   mem,
		Scanner:  sc,
		Watcher:  w,
		Indexer:  ix,
		LastUsed: time.Now(),
		stopPump: make(chan struct{}),
	}
	go p.pump()

	s.mu.Lock()
	el := s.lru.PushFront(p)
	s.order[hash] = el
	s.mu.Unlock()

	s.evictIfNeeded()
	return p, nil
}

// evictIfNeeded enforces both the project-count cap and the memory
// pressure thresholds: at 70% of MaxMemory the LRU tail is evicted one
// project at a time; at 90% eviction continues down to a single resident
// project, matching spec.md §4.G.
func (s *Store) evictIfNeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.lru.Len() > s.capacity {
		s.evictOldestLocked()
	}

	soft, hard := s.cfg.MemoryPressureThresholds()
	total := s.totalBytesLocked()
	for total > soft && s.lru.Len() > 1 {
		s.evictOldestLocked()
		total = s.totalBytesLocked()
	}
	if total > hard {
		for s.lru.Len() > 1 {
			s.evictOldestLocked()
		}
	}
}

func (s *Store) totalBytesLocked() int64 {
	var total int64
	for el := s.lru.Front(); el != nil; el = el.Next() {
		total += el.Value.(*Project).EstimatedBytes()
	}
	return total
}

func (s *Store) evictOldestLocked() {
	el := s.lru.Back()
	if el == nil {
		return
	}
	p := el.Value.(*Project)
	p.stop()
	s.lru.Remove(el)
	delete(s.order, p.Hash)
	debug.LogServer("evicted project %s (lru capacity/memory pressure)", p.Hash)
}

// Evict removes a specific project (used by graceful shutdown and by
// tests), stopping its watcher and indexer pump first.
func (s *Store) Evict(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.order[hash]
	if !ok {
		return
	}
	el.Value.(*Project).stop()
	s.lru.Remove(el)
	delete(s.order, hash)
}

// IsLive reports whether hash still names a resident project, for use as
// a tasks.Task's weak liveness check (spec.md §4.M).
func (s *Store) IsLive(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.order[hash]
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
