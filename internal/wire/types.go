package wire

import (
	"time"

	"github.com/engram-dev/engram/internal/errors"
	"github.com/engram-dev/engram/internal/types"
)

// Action discriminates a Request (spec.md §6 "tagged unions with
// lowercase-snake-case discriminators: action for requests, status for
// responses").
type Action string

const (
	ActionPing             Action = "ping"
	ActionStatus           Action = "status"
	ActionCheckInit        Action = "check_init"
	ActionInitProject      Action = "init_project"
	ActionGetContext       Action = "get_context"
	ActionPrepareContext   Action = "prepare_context"
	ActionNotifyFileChange Action = "notify_file_change"
	ActionMemoryPut        Action = "memory_put"
	ActionMemoryGet        Action = "memory_get"
	ActionMemoryList       Action = "memory_list"
	ActionMemorySearch     Action = "memory_search"
	ActionMemoryPatch      Action = "memory_patch"
	ActionMemoryDelete     Action = "memory_delete"
	ActionMemorySync       Action = "memory_sync"
	ActionGraftExperience  Action = "graft_experience"
	ActionShutdown         Action = "shutdown"
)

// Status discriminates a Response.
type Status string

const (
	StatusOk    Status = "ok"
	StatusAck   Status = "ack"
	StatusError Status = "error"
)

// FileChangeKind mirrors the watcher's batch kinds over the wire (spec.md
// §4.B NotifyFileChange).
type FileChangeKind string

const (
	FileCreated  FileChangeKind = "created"
	FileModified FileChangeKind = "modified"
	FileRemoved  FileChangeKind = "removed"
)

// ListQuery carries MemoryList's filter/pagination fields.
type ListQuery struct {
	Limit  int
	Before time.Time
	Kinds  []types.MemoryKind
	Tags   []string
}

// SearchQuery carries MemorySearch's filter fields.
type SearchQuery struct {
	Query string
	Limit int
	Kinds []types.MemoryKind
	Tags  []string
}

// MemoryPatch carries MemoryPatch's optional field updates; a nil pointer
// means "leave unchanged" so a patch can touch content, tags, or both.
type MemoryPatch struct {
	Content *string
	Tags    *[]string
}

// Request is the single flat struct backing every action (spec.md §4.B's
// 16-row table). Only the fields relevant to Action are populated; this
// mirrors the errors package's single flat EngramError over a taxonomy of
// per-case types, and keeps the gob-based binary codec registration to one
// type instead of sixteen.
type Request struct {
	Action Action `json:"action"`

	Cwd string `json:"cwd,omitempty"`

	// GetContext / PrepareContext
	Prompt      string         `json:"prompt,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`
	FocusHint   []types.NodeId `json:"focus_hint,omitempty"`

	// InitProject
	AsyncMode bool `json:"async_mode,omitempty"`

	// NotifyFileChange
	Path string         `json:"path,omitempty"`
	Kind FileChangeKind `json:"kind,omitempty"`

	// MemoryPut / GraftExperience
	Entry types.MemoryEntry `json:"entry,omitempty"`

	// MemoryGet / MemoryPatch / MemoryDelete
	ID    string      `json:"id,omitempty"`
	Patch MemoryPatch `json:"patch,omitempty"`

	// MemoryList
	List ListQuery `json:"list,omitempty"`

	// MemorySearch
	Search SearchQuery `json:"search,omitempty"`

	// Ping round-trip marker, echoed back verbatim on the Ack.
	Marker string `json:"marker,omitempty"`
}

// ScoredMemoryEntry pairs a MemorySearch hit with its ranking score.
type ScoredMemoryEntry struct {
	Entry types.MemoryEntry
	Score float64
}

// ContextResult is GetContext/PrepareContext's Ok payload.
type ContextResult struct {
	Text             string
	NodeIDs          []types.NodeId
	Route            string
	SemanticFellBack bool
	Truncated        bool
}

// StatusResult is Status's Ok payload (spec.md §4.C "Supplemented
// features": a status surface exposing the metrics registry).
type StatusResult struct {
	Version        string
	ProjectsLoaded int
	Ops            []OpStat
	Counters       map[string]int64
}

// OpStat mirrors metrics.OpSnapshot without importing the metrics package
// from the wire codec (wire stays a leaf package other packages depend on,
// never the reverse).
type OpStat struct {
	Name  string
	Count int64
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
}

// Response is the single flat struct backing every Status variant.
type Response struct {
	Status Status `json:"status"`

	// StatusError
	ErrorCode errors.Kind `json:"error_code,omitempty"`
	Message   string      `json:"message,omitempty"`

	// Ack echo for Ping
	Marker string `json:"marker,omitempty"`

	// Ok payloads, one populated per action as applicable.
	Initialized   bool                `json:"initialized,omitempty"`
	Context       *ContextResult      `json:"context,omitempty"`
	MemoryEntry   *types.MemoryEntry  `json:"memory_entry,omitempty"`
	MemoryEntries []types.MemoryEntry `json:"memory_entries,omitempty"`
	SearchResults []ScoredMemoryEntry `json:"search_results,omitempty"`
	DaemonStatus  *StatusResult       `json:"daemon_status,omitempty"`
}

// Ok builds a bare success response with no payload (used for Ack-style
// confirmations that carry no data).
func Ok() Response { return Response{Status: StatusOk} }

// Ack builds a Ping response echoing marker.
func Ack(marker string) Response { return Response{Status: StatusAck, Marker: marker} }

// Err builds an error response from an engram error kind.
func Err(kind errors.Kind, message string) Response {
	return Response{Status: StatusError, ErrorCode: kind, Message: message}
}
