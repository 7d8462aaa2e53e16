// Package cache implements the per-project context cache (spec.md §4.L):
// a bounded map keyed by (project_hash, prompt_fingerprint), invalidated
// by re-indexed nodes or by any memory write for the project.
package cache

import (
	"container/list"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/engram-dev/engram/internal/debug"
	"github.com/engram-dev/engram/internal/metrics"
	"github.com/engram-dev/engram/internal/types"
)

// AbsentPromptFingerprint is the sentinel fingerprint used when GetContext
// is called without a prompt (spec.md §4.L "an absent prompt uses the
// sentinel ∅").
const AbsentPromptFingerprint = "∅"

// Fingerprint computes prompt_fingerprint = fast_hash(normalized_prompt,
// selected_focus_node_ids). Normalization here is whitespace-collapse and
// lowercasing; spec.md §9 leaves the normalization function pluggable but
// requires byte-identical prompts to fingerprint identically, which holds
// here since normalization is a pure function of the input.
func Fingerprint(prompt string, focusNodeIDs []types.NodeId) string {
	if prompt == "" {
		return AbsentPromptFingerprint
	}
	h := xxhash.New()
	h.Write([]byte(normalizePrompt(prompt)))
	h.Write([]byte{0})
	for _, id := range focusNodeIDs {
		h.Write([]byte(strconv.FormatUint(uint64(id), 10)))
		h.Write([]byte{','})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func normalizePrompt(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}

// entrySize estimates the in-memory footprint of a cache entry for the
// per-project byte budget: the rendered text plus a fixed per-node-id
// overhead, matching the teacher's coarse-estimate-not-exact-accounting
// sizing idiom used elsewhere in this repo (projectstore.EstimatedBytes).
func entrySize(e types.CacheEntry) int64 {
	const perNodeID = 16
	return int64(len(e.ComposedText)) + int64(len(e.NodeIDs))*perNodeID
}

type projectCache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	totalBytes int64

	order  *list.List               // front = most recently used
	byFP   map[string]*list.Element // fingerprint -> element
	byNode map[types.NodeId]map[string]bool

	metrics *metrics.Registry
}

type cacheElem struct {
	fingerprint string
	entry       types.CacheEntry
}

func newProjectCache(maxEntries int, maxBytes int64, reg *metrics.Registry) *projectCache {
	return &projectCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		byFP:       make(map[string]*list.Element),
		byNode:     make(map[types.NodeId]map[string]bool),
		metrics:    reg,
	}
}

func (c *projectCache) get(fp string) (types.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byFP[fp]
	if !ok {
		if c.metrics != nil {
			c.metrics.Inc("cache.miss")
		}
		return types.CacheEntry{}, false
	}
	c.order.MoveToFront(el)
	if c.metrics != nil {
		c.metrics.Inc("cache.hit")
	}
	return el.Value.(*cacheElem).entry, true
}

func (c *projectCache) put(entry types.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byFP[entry.PromptFingerprint]; ok {
		c.removeLocked(existing)
	}

	el := c.order.PushFront(&cacheElem{fingerprint: entry.PromptFingerprint, entry: entry})
	c.byFP[entry.PromptFingerprint] = el
	c.totalBytes += entrySize(entry)
	for _, id := range entry.NodeIDs {
		if c.byNode[id] == nil {
			c.byNode[id] = make(map[string]bool)
		}
		c.byNode[id][entry.PromptFingerprint] = true
	}

	c.evictLocked()
}

func (c *projectCache) evictLocked() {
	for c.order.Len() > c.maxEntries || (c.maxBytes > 0 && c.totalBytes > c.maxBytes) {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeLocked(back)
	}
}

func (c *projectCache) removeLocked(el *list.Element) {
	ce := el.Value.(*cacheElem)
	c.order.Remove(el)
	delete(c.byFP, ce.fingerprint)
	c.totalBytes -= entrySize(ce.entry)
	for _, id := range ce.entry.NodeIDs {
		delete(c.byNode[id], ce.fingerprint)
		if len(c.byNode[id]) == 0 {
			delete(c.byNode, id)
		}
	}
	if c.metrics != nil {
		c.metrics.Inc("cache.evict")
	}
}

// invalidateNode removes every entry that references node id.
func (c *projectCache) invalidateNode(id types.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fps := c.byNode[id]
	if len(fps) > 0 {
		debug.LogCache("invalidating %d entries for node %d", len(fps), id)
	}
	for fp := range fps {
		if el, ok := c.byFP[fp]; ok {
			c.removeLocked(el)
		}
	}
}

// invalidateAll drops every entry for the project, used when any memory
// entry is put/patched/deleted (spec.md §3 "Cache entry" invalidation
// source).
func (c *projectCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.order.Len(); n > 0 {
		debug.LogCache("invalidating all %d entries for project", n)
	}
	c.order.Init()
	c.byFP = make(map[string]*list.Element)
	c.byNode = make(map[types.NodeId]map[string]bool)
	c.totalBytes = 0
}

func (c *projectCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Cache is the daemon-wide collection of per-project caches.
type Cache struct {
	mu         sync.Mutex
	projects   map[string]*projectCache
	maxEntries int
	maxBytes   int64
	metrics    *metrics.Registry
}

// New creates a cache bounding each project to maxEntries entries and
// maxBytes of estimated rendered-text size. reg may be nil (metrics
// become no-ops) for use in tests that don't care about counters.
func New(maxEntries int, maxBytes int64, reg *metrics.Registry) *Cache {
	return &Cache{
		projects:   make(map[string]*projectCache),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		metrics:    reg,
	}
}

func (c *Cache) forProject(hash string) *projectCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.projects[hash]
	if !ok {
		pc = newProjectCache(c.maxEntries, c.maxBytes, c.metrics)
		c.projects[hash] = pc
	}
	return pc
}

// Get returns a live entry for (projectHash, fingerprint), or (zero,
// false) on a cache miss.
func (c *Cache) Get(projectHash, fingerprint string) (types.CacheEntry, bool) {
	return c.forProject(projectHash).get(fingerprint)
}

// Put inserts or replaces an entry, evicting by LRU once the per-project
// entry count or byte budget is exceeded.
func (c *Cache) Put(entry types.CacheEntry) {
	if entry.BuiltAt.IsZero() {
		entry.BuiltAt = time.Now()
	}
	c.forProject(entry.ProjectHash).put(entry)
}

// InvalidateNode drops every cache entry referencing id, for projectHash.
func (c *Cache) InvalidateNode(projectHash string, id types.NodeId) {
	c.forProject(projectHash).invalidateNode(id)
}

// InvalidateProject drops every cache entry for projectHash - the memory
// write and RefreshContext invalidation path.
func (c *Cache) InvalidateProject(projectHash string) {
	c.forProject(projectHash).invalidateAll()
}

// Len reports the live entry count for a project (used by Status/tests).
func (c *Cache) Len(projectHash string) int {
	return c.forProject(projectHash).len()
}
