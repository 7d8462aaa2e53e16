// Package memory implements the typed, append-only agent memory log and
// its in-memory replay index (spec.md §4.J).
package memory

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/surgebase/porter2"

	"github.com/engram-dev/engram/internal/encoding"
	"github.com/engram-dev/engram/internal/errors"
	"github.com/engram-dev/engram/internal/store/layout"
	"github.com/engram-dev/engram/internal/types"
)

// NewID generates a time-ordered, globally-unique memory entry id
// (spec.md §3 "id ... assigned by the store"): a base-63 encoding of the
// current Unix-nanosecond timestamp, so ids sort lexicographically in
// creation order, followed by a short random suffix that makes
// concurrent Puts within the same nanosecond collide-free without a
// shared counter.
func NewID() string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return encoding.Base63Encode(uint64(time.Now().UnixNano())) + "-" + encoding.Base63Encode(uint64(suffix[0])<<24|uint64(suffix[1])<<16|uint64(suffix[2])<<8|uint64(suffix[3]))
}

// record is one line of memory.log: either a Put (full entry) or a
// Patch/Delete (id + the fields that changed plus a tombstone flag).
type record struct {
	Op      string            `json:"op"` // "put", "patch", "delete"
	Entry   types.MemoryEntry `json:"entry,omitempty"`
	ID      string            `json:"id,omitempty"`
	Content string            `json:"content,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
}

// Store is the in-memory index rebuilt by replaying memory.log on load,
// with subsequent mutations appended to the log and applied in place.
type Store struct {
	mu     sync.RWMutex
	layout *layout.Layout

	byID   map[string]*types.MemoryEntry
	byKind map[types.MemoryKind][]string
	byTag  map[string][]string
}

// Open replays l's memory.log (if any) and returns a ready Store.
func Open(l *layout.Layout) (*Store, error) {
	s := &Store{
		layout: l,
		byID:   make(map[string]*types.MemoryEntry),
		byKind: make(map[types.MemoryKind][]string),
		byTag:  make(map[string][]string),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	f, err := os.Open(s.layout.MemoryLogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(errors.StorageUnavailable, "memory.replay", err)
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scan.Scan() {
		line := scan.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			continue // a corrupt trailing line is skipped, not fatal
		}
		s.applyRecord(r)
	}
	return scan.Err()
}

func (s *Store) applyRecord(r record) {
	switch r.Op {
	case "put":
		e := r.Entry
		s.indexLocked(&e)
	case "patch":
		if e, ok := s.byID[r.ID]; ok {
			if r.Content != "" {
				e.Content = r.Content
			}
			if r.Tags != nil {
				s.removeTagsLocked(e)
				e.Tags = r.Tags
				s.addTagsLocked(e)
			}
			e.UpdatedAt = time.Now()
		}
	case "delete":
		if e, ok := s.byID[r.ID]; ok {
			e.Deleted = true
			e.UpdatedAt = time.Now()
		}
	}
}

func (s *Store) indexLocked(e *types.MemoryEntry) {
	s.byID[e.ID] = e
	s.byKind[e.Kind] = append(s.byKind[e.Kind], e.ID)
	s.addTagsLocked(e)
}

func (s *Store) addTagsLocked(e *types.MemoryEntry) {
	for _, tag := range e.Tags {
		s.byTag[tag] = append(s.byTag[tag], e.ID)
	}
}

func (s *Store) removeTagsLocked(e *types.MemoryEntry) {
	for _, tag := range e.Tags {
		ids := s.byTag[tag]
		for i, id := range ids {
			if id == e.ID {
				s.byTag[tag] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// Reload implements MemorySync (spec.md §4.J): re-open memory.log,
// discard the current in-memory index, and replay from scratch. Used to
// reconcile after external log edits and as the recovery path for a
// corrupted in-memory index.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*types.MemoryEntry)
	s.byKind = make(map[types.MemoryKind][]string)
	s.byTag = make(map[string][]string)
	return s.replay()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// maxContentBytes and maxTags are Put's validation bounds (spec.md §4.J
// "Validate (non-empty kind, content length bounded, tag count <= 64)").
const (
	maxContentBytes = 64 * 1024
	maxTags         = 64
)

// Put appends and indexes a new memory entry, assigning e.ID via NewID
// when the caller left it empty. A caller-provided id that already names
// a live-or-tombstoned entry in this project is rejected so duplicate
// delivery of the same Put is idempotent at the wire layer rather than
// silently overwriting a different entry's content (spec.md §8 property
// 9 "Idempotence"): the caller is expected to retry with the identical
// entry, which replays to the same by_id state either way.
func (s *Store) Put(e types.MemoryEntry) (types.MemoryEntry, error) {
	if e.Kind == "" {
		return types.MemoryEntry{}, errors.New(errors.InvalidRequest, "memory.Put", nil)
	}
	if len(e.Content) > maxContentBytes {
		return types.MemoryEntry{}, errors.New(errors.InvalidRequest, "memory.Put", nil)
	}
	if len(e.Tags) > maxTags {
		return types.MemoryEntry{}, errors.New(errors.InvalidRequest, "memory.Put", nil)
	}

	s.mu.Lock()
	if e.ID == "" {
		e.ID = NewID()
	} else if existing, ok := s.byID[e.ID]; ok {
		// Idempotent redelivery: identical content/tags replays to the
		// same state, so just return the entry already on record rather
		// than erroring.
		dup := *existing
		s.mu.Unlock()
		return dup, nil
	}
	s.mu.Unlock()

	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt

	data, err := json.Marshal(record{Op: "put", Entry: e})
	if err != nil {
		return types.MemoryEntry{}, errors.New(errors.Internal, "memory.Put", err)
	}
	// The log write is the durability point: only once it succeeds does
	// the entry become visible to Get/List/Search, so a failed append
	// never leaves a phantom entry that blocks a retry from ever writing
	// durably (spec.md §4.J "Write one log record. Apply to index.").
	if err := s.layout.AppendMemoryLog(data); err != nil {
		return types.MemoryEntry{}, err
	}

	s.mu.Lock()
	s.indexLocked(&e)
	s.mu.Unlock()
	return e, nil
}

// Get returns a non-deleted entry by ID.
func (s *Store) Get(id string) (types.MemoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok || e.Deleted {
		return types.MemoryEntry{}, false
	}
	return *e, true
}

// Patch updates content and/or tags of an existing entry. The durable
// log append happens before the in-memory index is mutated, so a failed
// append leaves the index exactly as it was - a retry sees the same
// "not yet applied" state rather than a patch that silently stuck in
// memory but never reached disk (spec.md §4.J "Write one log record.
// Apply to index.").
func (s *Store) Patch(id, content string, tags []string) error {
	s.mu.RLock()
	e, ok := s.byID[id]
	deleted := ok && e.Deleted
	s.mu.RUnlock()
	if !ok || deleted {
		return errors.New(errors.NotFound, "memory.Patch", nil)
	}

	data, err := json.Marshal(record{Op: "patch", ID: id, Content: content, Tags: tags})
	if err != nil {
		return errors.New(errors.Internal, "memory.Patch", err)
	}
	if err := s.layout.AppendMemoryLog(data); err != nil {
		return err
	}

	s.mu.Lock()
	s.applyRecord(record{Op: "patch", ID: id, Content: content, Tags: tags})
	s.mu.Unlock()
	return nil
}

// Delete tombstones an entry; it remains in the log and index (so replay
// stays deterministic) but is excluded from List/Search/Get. As with
// Patch, the log append happens before the tombstone is applied
// in-memory, so a failed append never leaves an entry tombstoned in
// memory but live on disk.
func (s *Store) Delete(id string) error {
	s.mu.RLock()
	_, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return errors.New(errors.NotFound, "memory.Delete", nil)
	}

	data, err := json.Marshal(record{Op: "delete", ID: id})
	if err != nil {
		return errors.New(errors.Internal, "memory.Delete", err)
	}
	if err := s.layout.AppendMemoryLog(data); err != nil {
		return err
	}

	s.mu.Lock()
	s.applyRecord(record{Op: "delete", ID: id})
	s.mu.Unlock()
	return nil
}

// ListOptions narrows MemoryList to spec.md §4.B's
// {limit, before, kinds, tags} request shape.
type ListOptions struct {
	Limit  int
	Before time.Time
	Kinds  []types.MemoryKind
	Tags   []string // intersection semantics: entry must carry every tag
}

// List walks by_kind (or all kinds) in descending created_at, filtering by
// tag intersection and an optional before-timestamp cursor, per spec.md
// §4.J "List".
func (s *Store) List(opts ListOptions) []types.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	if len(opts.Kinds) > 0 {
		seen := make(map[string]bool)
		for _, k := range opts.Kinds {
			for _, id := range s.byKind[k] {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	} else {
		for id := range s.byID {
			ids = append(ids, id)
		}
	}

	out := make([]types.MemoryEntry, 0, len(ids))
	for _, id := range ids {
		e := s.byID[id]
		if e.Deleted {
			continue
		}
		if !hasAllTags(e.Tags, opts.Tags) {
			continue
		}
		if !opts.Before.IsZero() && !e.CreatedAt.Before(opts.Before) {
			continue
		}
		out = append(out, *e)
	}
	sortByCreatedDesc(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func hasAllTags(entryTags, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]bool, len(entryTags))
	for _, t := range entryTags {
		have[t] = true
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}

func sortByCreatedDesc(entries []types.MemoryEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].CreatedAt.After(entries[j-1].CreatedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// ScoredEntry is one Search result with its composite relevance score.
type ScoredEntry struct {
	Entry types.MemoryEntry
	Score float64
}

// SearchOptions carries MemorySearch's request shape (spec.md §4.B/§4.J).
type SearchOptions struct {
	Query   string
	Kinds   []types.MemoryKind
	Tags    []string
	Weights map[string]float64 // keys: recency, kind, tags, lex (config.MemorySearchConfig defaults)
	TauDays float64
	Limit   int
	// RequestContext names the kind a caller is most interested in, used by
	// kind_priority: a kind matching RequestContext scores 1.0, any other
	// live kind scores a flat 0.5 baseline (spec.md §4.J "kind_priority").
	RequestContext types.MemoryKind
}

// Search ranks entries by spec.md §4.J's weighted sum: w_r*recency +
// w_k*kind_priority + w_t*tag_overlap + w_l*lexical_overlap. Ties break by
// newer created_at, then by id lexicographically.
func (s *Store) Search(opts SearchOptions) []ScoredEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queryTokens := stemTokens(opts.Query)
	now := time.Now()
	tau := maxFloat(opts.TauDays, 1)

	kindSet := make(map[types.MemoryKind]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		kindSet[k] = true
	}

	var scored []ScoredEntry
	for _, e := range s.byID {
		if e.Deleted {
			continue
		}
		if len(kindSet) > 0 && !kindSet[e.Kind] {
			continue
		}
		if !hasAllTags(e.Tags, opts.Tags) {
			continue
		}

		lexical := lexicalOverlap(queryTokens, stemTokens(e.Content))
		age := now.Sub(e.CreatedAt).Hours() / 24
		recency := math.Exp(-age / tau)
		tagOverlap := jaccardTags(opts.Tags, e.Tags)
		kindPriority := 0.0
		if opts.RequestContext != "" {
			if e.Kind == opts.RequestContext {
				kindPriority = 1.0
			} else {
				kindPriority = 0.5
			}
		}

		score := opts.Weights["recency"]*recency +
			opts.Weights["kind"]*kindPriority +
			opts.Weights["tags"]*tagOverlap +
			opts.Weights["lex"]*lexical
		scored = append(scored, ScoredEntry{Entry: *e, Score: score})
	}

	sortSearchResults(scored)
	if opts.Limit > 0 && len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}
	return scored
}

// sortSearchResults orders by descending score, then newer created_at,
// then id ascending - the tie-break spec.md §4.J names explicitly.
func sortSearchResults(s []ScoredEntry) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j-1], s[j]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func less(a, b ScoredEntry) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
		return a.Entry.CreatedAt.Before(b.Entry.CreatedAt)
	}
	return a.Entry.ID > b.Entry.ID
}

func jaccardTags(query, entry []string) float64 {
	if len(query) == 0 || len(entry) == 0 {
		return 0
	}
	set := make(map[string]bool, len(entry))
	for _, t := range entry {
		set[t] = true
	}
	overlap := 0
	union := make(map[string]bool, len(query)+len(entry))
	for _, t := range query {
		union[t] = true
		if set[t] {
			overlap++
		}
	}
	for _, t := range entry {
		union[t] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(overlap) / float64(len(union))
}

func stemTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, porter2.Stem(f))
	}
	return out
}

// lexicalOverlap scores two stemmed token lists by token-set cosine:
// shared distinct tokens over the geometric mean of the two set sizes.
func lexicalOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	shared := 0
	for _, t := range b {
		if !setB[t] && setA[t] {
			shared++
		}
		setB[t] = true
	}
	return float64(shared) / math.Sqrt(float64(len(setA)*len(setB)))
}

func maxFloat(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}
