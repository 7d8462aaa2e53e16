package server

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/engram-dev/engram/internal/cache"
	"github.com/engram-dev/engram/internal/config"
	"github.com/engram-dev/engram/internal/debug"
	"github.com/engram-dev/engram/internal/errors"
	"github.com/engram-dev/engram/internal/identity"
	"github.com/engram-dev/engram/internal/memory"
	"github.com/engram-dev/engram/internal/projectstore"
	"github.com/engram-dev/engram/internal/store/layout"
	"github.com/engram-dev/engram/internal/tasks"
	"github.com/engram-dev/engram/internal/types"
	"github.com/engram-dev/engram/internal/version"
	"github.com/engram-dev/engram/internal/watch"
	"github.com/engram-dev/engram/internal/wire"
)

// route dispatches one decoded request to its handler (spec.md §4.B's
// 16-row action table). Every branch returns a wire.Response; panics
// from a handler are not recovered here since tasks.Queue already
// provides that protection for background work and a request-path panic
// should surface loudly rather than be swallowed into a generic error.
func (d *Daemon) route(req wire.Request) wire.Response {
	switch req.Action {
	case wire.ActionPing:
		return wire.Ack(req.Marker)
	case wire.ActionStatus:
		return d.handleStatus()
	case wire.ActionCheckInit:
		return d.handleCheckInit(req)
	case wire.ActionInitProject:
		return d.handleInitProject(req)
	case wire.ActionGetContext:
		return d.handleGetContext(req)
	case wire.ActionPrepareContext:
		return d.handlePrepareContext(req)
	case wire.ActionNotifyFileChange:
		return d.handleNotifyFileChange(req)
	case wire.ActionMemoryPut:
		return d.handleMemoryPut(req)
	case wire.ActionMemoryGet:
		return d.handleMemoryGet(req)
	case wire.ActionMemoryList:
		return d.handleMemoryList(req)
	case wire.ActionMemorySearch:
		return d.handleMemorySearch(req)
	case wire.ActionMemoryPatch:
		return d.handleMemoryPatch(req)
	case wire.ActionMemoryDelete:
		return d.handleMemoryDelete(req)
	case wire.ActionMemorySync:
		return d.handleMemorySync(req)
	case wire.ActionGraftExperience:
		return d.handleGraftExperience(req)
	case wire.ActionShutdown:
		return d.handleShutdownRequest()
	default:
		return wire.Err(errors.InvalidRequest, "unknown action: "+string(req.Action))
	}
}

// resolveProject canonicalizes cwd into (absRoot, projectHash), the
// identity step every handler below needs (spec.md §4.C).
func resolveProject(cwd string) (root, hash string, err error) {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", "", errors.New(errors.InvalidRequest, "resolveProject", err).WithPath(cwd)
	}
	if resolved, rerr := filepath.EvalSymlinks(abs); rerr == nil {
		abs = resolved
	}
	hash, err = identity.ProjectHash(abs)
	if err != nil {
		return "", "", errors.New(errors.Internal, "resolveProject", err).WithPath(cwd)
	}
	return abs, hash, nil
}

func (d *Daemon) layoutFor(hash string) *layout.Layout {
	return layout.New(d.cfg.DataDir, hash)
}

func (d *Daemon) handleStatus() wire.Response {
	ops := d.Metrics.Snapshot()
	wireOps := make([]wire.OpStat, len(ops))
	for i, o := range ops {
		wireOps[i] = wire.OpStat{Name: o.Name, Count: o.Count, P50: o.P50, P90: o.P90, P99: o.P99}
	}
	return wire.Response{
		Status: wire.StatusOk,
		DaemonStatus: &wire.StatusResult{
			Version:        version.Version,
			ProjectsLoaded: d.Store.Len(),
			Ops:            wireOps,
			Counters:       d.Metrics.Counters(),
		},
	}
}

func (d *Daemon) handleCheckInit(req wire.Request) wire.Response {
	_, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	initialized := d.layoutFor(hash).Exists()
	return wire.Response{Status: wire.StatusOk, Initialized: initialized}
}

// handleInitProject writes the manifest durably before returning, then
// either waits for the full scan inline (async_mode=false) or kicks it
// off on the background queue and returns right away (async_mode=true),
// matching spec.md §4.B's row exactly.
func (d *Daemon) handleInitProject(req wire.Request) wire.Response {
	root, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	l := d.layoutFor(hash)
	if err := l.EnsureDirs(); err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}

	now := time.Now()
	manifest := &types.ManifestV1{
		SchemaVersion: version.SchemaVersion,
		RootPath:      root,
		CreatedAt:     now,
	}
	if existing, err := l.ReadManifest(); err == nil {
		manifest.CreatedAt = existing.CreatedAt
	}
	if err := l.WriteManifest(manifest); err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}

	scanAndRecord := func() error {
		p, err := d.Store.Get(hash, root)
		if err != nil {
			return err
		}
		manifest.IndexedAt = time.Now()
		manifest.FileCount, manifest.SymbolCount, manifest.LanguageMix = projectCounts(p)
		return l.WriteManifest(manifest)
	}

	if req.AsyncMode {
		d.Tasks.TrySubmit(taskFor("init."+hash, hash, d.Store, func(ctx context.Context) {
			if err := scanAndRecord(); err != nil {
				debug.LogServer("async init for %s failed: %v", hash, err)
			}
		}))
		return wire.Ok()
	}

	if err := scanAndRecord(); err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	return wire.Ok()
}

func projectCounts(p *projectstore.Project) (files, symbols int, languages map[string]int) {
	languages = make(map[string]int)
	var walk func(id types.NodeId)
	walk = func(id types.NodeId) {
		n, ok := p.Tree.Get(id)
		if !ok {
			return
		}
		switch n.Kind {
		case types.NodeDirectory:
			for _, c := range n.Children {
				walk(c)
			}
		case types.NodeFile:
			files++
			symbols += len(n.Symbols)
			if n.Language != "" {
				languages[n.Language]++
			}
		}
	}
	walk(p.Tree.Root())
	return files, symbols, languages
}

// autoInitIfNeeded implements the auto_init config options (spec.md §6):
// a read request against an uninitialized project whose directory
// already has at least min_files files triggers an implicit synchronous
// InitProject rather than an NotInitialized error, when enabled.
func (d *Daemon) autoInitIfNeeded(root, hash string) error {
	l := d.layoutFor(hash)
	if l.Exists() {
		return nil
	}
	if !d.cfg.AutoInit.Enabled {
		return errors.New(errors.NotInitialized, "autoInitIfNeeded", nil).WithProject(hash)
	}
	if countEligibleFiles(root, d.cfg) < d.cfg.AutoInit.MinFiles {
		return errors.New(errors.NotInitialized, "autoInitIfNeeded", nil).WithProject(hash)
	}
	if err := l.EnsureDirs(); err != nil {
		return err
	}
	manifest := &types.ManifestV1{SchemaVersion: version.SchemaVersion, RootPath: root, CreatedAt: time.Now()}
	if err := l.WriteManifest(manifest); err != nil {
		return err
	}
	p, err := d.Store.Get(hash, root)
	if err != nil {
		return err
	}
	manifest.IndexedAt = time.Now()
	manifest.FileCount, manifest.SymbolCount, manifest.LanguageMix = projectCounts(p)
	return l.WriteManifest(manifest)
}

// countEligibleFiles walks root counting regular files not matched by
// cfg.Exclude, capping the walk once minFiles-worthy evidence is found
// is unnecessary here since auto_init projects are expected to be small
// enough that a full walk is cheap; AutoInit.MinFiles gates whether the
// caller even bothers calling this.
func countEligibleFiles(root string, cfg *config.Config) int {
	count := 0
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		for _, pattern := range cfg.Exclude {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return nil
			}
		}
		count++
		return nil
	})
	return count
}

func (d *Daemon) handleGetContext(req wire.Request) wire.Response {
	root, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	if err := d.autoInitIfNeeded(root, hash); err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}

	p, err := d.Store.Get(hash, root)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}

	fp := cache.Fingerprint(req.Prompt, req.FocusHint)
	if entry, ok := d.Cache.Get(hash, fp); ok {
		d.Metrics.Observe("context.get.warm", 0)
		return wire.Response{Status: wire.StatusOk, Context: &wire.ContextResult{
			Text:    entry.ComposedText,
			NodeIDs: entry.NodeIDs,
		}}
	}

	stop := d.Metrics.Timer("context.get.cold")
	view, diag, err := d.Composer.Compose(p, req.Prompt, req.Constraints, req.FocusHint)
	stop()
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}

	d.Cache.Put(types.CacheEntry{
		ProjectHash:       hash,
		PromptFingerprint: fp,
		ComposedText:      view.Rendered,
		NodeIDs:           view.NodeIDs,
		ExperienceCount:   len(view.Anchor.RecentMemories),
		BuiltAt:           time.Now(),
	})

	return wire.Response{Status: wire.StatusOk, Context: &wire.ContextResult{
		Text:             view.Rendered,
		NodeIDs:          view.NodeIDs,
		Route:            diag.Route.String(),
		SemanticFellBack: diag.SemanticFellBack,
		Truncated:        diag.Truncated,
	}}
}

// handlePrepareContext acknowledges immediately and composes on the
// background queue, never returning composed text to the caller
// (spec.md §4.L "PrepareContext ... never responds with the composed
// text; it only acknowledges").
func (d *Daemon) handlePrepareContext(req wire.Request) wire.Response {
	root, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}

	d.Tasks.TrySubmit(taskFor("prepare."+hash, hash, d.Store, func(ctx context.Context) {
		if aerr := d.autoInitIfNeeded(root, hash); aerr != nil {
			return
		}
		p, err := d.Store.Get(hash, root)
		if err != nil {
			return
		}
		fp := cache.Fingerprint(req.Prompt, req.FocusHint)
		if _, ok := d.Cache.Get(hash, fp); ok {
			return
		}
		view, _, err := d.Composer.Compose(p, req.Prompt, req.Constraints, req.FocusHint)
		if err != nil {
			return
		}
		d.Cache.Put(types.CacheEntry{
			ProjectHash:       hash,
			PromptFingerprint: fp,
			ComposedText:      view.Rendered,
			NodeIDs:           view.NodeIDs,
			ExperienceCount:   len(view.Anchor.RecentMemories),
			BuiltAt:           time.Now(),
		})
	}))
	return wire.Ok()
}

// handleNotifyFileChange enqueues the change durably in the same queue
// the watcher feeds (spec.md §9 Open Question, resolved as a
// requirement) and acknowledges once applied.
func (d *Daemon) handleNotifyFileChange(req wire.Request) wire.Response {
	root, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	p, err := d.Store.Get(hash, root)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}

	var kind watch.ChangeKind
	switch req.Kind {
	case wire.FileCreated:
		kind = watch.Created
	case wire.FileRemoved:
		kind = watch.Removed
	default:
		kind = watch.Modified
	}
	p.NotifyFileChange(req.Path, kind)
	d.Cache.InvalidateProject(hash)
	return wire.Ok()
}

func (d *Daemon) handleMemoryPut(req wire.Request) wire.Response {
	_, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	p, ok := d.liveOrLoad(req.Cwd, hash)
	if !ok {
		return wire.Err(errors.NotInitialized, "project not initialized")
	}

	stop := d.Metrics.Timer("memory.put")
	committed, err := p.Memory.Put(req.Entry)
	stop()
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	d.Cache.InvalidateProject(hash)
	return wire.Response{Status: wire.StatusOk, MemoryEntry: &committed}
}

func (d *Daemon) handleMemoryGet(req wire.Request) wire.Response {
	_, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	p, ok := d.liveOrLoad(req.Cwd, hash)
	if !ok {
		return wire.Err(errors.NotInitialized, "project not initialized")
	}
	entry, found := p.Memory.Get(req.ID)
	if !found {
		return wire.Err(errors.NotFound, "memory entry not found: "+req.ID)
	}
	return wire.Response{Status: wire.StatusOk, MemoryEntry: &entry}
}

func (d *Daemon) handleMemoryList(req wire.Request) wire.Response {
	_, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	p, ok := d.liveOrLoad(req.Cwd, hash)
	if !ok {
		return wire.Err(errors.NotInitialized, "project not initialized")
	}
	entries := p.Memory.List(memory.ListOptions{
		Limit:  req.List.Limit,
		Before: req.List.Before,
		Kinds:  req.List.Kinds,
		Tags:   req.List.Tags,
	})
	return wire.Response{Status: wire.StatusOk, MemoryEntries: entries}
}

func (d *Daemon) handleMemorySearch(req wire.Request) wire.Response {
	_, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	p, ok := d.liveOrLoad(req.Cwd, hash)
	if !ok {
		return wire.Err(errors.NotInitialized, "project not initialized")
	}

	stop := d.Metrics.Timer("memory.search")
	scored := p.Memory.Search(memory.SearchOptions{
		Query:   req.Search.Query,
		Kinds:   req.Search.Kinds,
		Tags:    req.Search.Tags,
		Weights: d.cfg.Memory.Search.Weights,
		TauDays: d.cfg.Memory.Search.TauDays,
		Limit:   req.Search.Limit,
	})
	stop()

	out := make([]wire.ScoredMemoryEntry, len(scored))
	for i, s := range scored {
		out[i] = wire.ScoredMemoryEntry{Entry: s.Entry, Score: s.Score}
	}
	return wire.Response{Status: wire.StatusOk, SearchResults: out}
}

func (d *Daemon) handleMemoryPatch(req wire.Request) wire.Response {
	_, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	p, ok := d.liveOrLoad(req.Cwd, hash)
	if !ok {
		return wire.Err(errors.NotInitialized, "project not initialized")
	}
	content := ""
	if req.Patch.Content != nil {
		content = *req.Patch.Content
	}
	var tags []string
	if req.Patch.Tags != nil {
		tags = *req.Patch.Tags
	}
	if err := p.Memory.Patch(req.ID, content, tags); err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	d.Cache.InvalidateProject(hash)
	entry, _ := p.Memory.Get(req.ID)
	return wire.Response{Status: wire.StatusOk, MemoryEntry: &entry}
}

func (d *Daemon) handleMemoryDelete(req wire.Request) wire.Response {
	_, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	p, ok := d.liveOrLoad(req.Cwd, hash)
	if !ok {
		return wire.Err(errors.NotInitialized, "project not initialized")
	}
	if err := p.Memory.Delete(req.ID); err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	d.Cache.InvalidateProject(hash)
	return wire.Ok()
}

func (d *Daemon) handleMemorySync(req wire.Request) wire.Response {
	_, hash, err := resolveProject(req.Cwd)
	if err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	p, ok := d.liveOrLoad(req.Cwd, hash)
	if !ok {
		return wire.Err(errors.NotInitialized, "project not initialized")
	}
	if err := p.Memory.Reload(); err != nil {
		return wire.Err(errors.KindOf(err), err.Error())
	}
	d.Cache.InvalidateProject(hash)
	return wire.Ok()
}

// handleGraftExperience is a legacy alias for MemoryPut(kind=decision)
// with the same durability contract (spec.md §4.B, Glossary "Graft").
func (d *Daemon) handleGraftExperience(req wire.Request) wire.Response {
	entry := req.Entry
	entry.Kind = types.MemoryDecision
	req.Entry = entry
	return d.handleMemoryPut(req)
}

func (d *Daemon) handleShutdownRequest() wire.Response {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		d.Shutdown(ctx)
		os.Exit(0)
	}()
	return wire.Ok()
}

// liveOrLoad loads the project if it is already initialized on disk,
// returning (nil, false) rather than cold-loading an uninitialized
// project - memory operations require CheckInit/InitProject to have run
// first (spec.md §4.B memory.* rows all assume an initialized project).
func (d *Daemon) liveOrLoad(cwd, hash string) (*projectstore.Project, bool) {
	root, _, err := resolveProject(cwd)
	if err != nil {
		return nil, false
	}
	if !d.layoutFor(hash).Exists() {
		return nil, false
	}
	p, err := d.Store.Get(hash, root)
	if err != nil {
		return nil, false
	}
	return p, true
}

// taskFor builds a tasks.Task bound to a project's liveness check.
func taskFor(name, hash string, store *projectstore.Store, run func(ctx context.Context)) tasks.Task {
	return tasks.Task{Name: name, ProjectHash: hash, IsLive: store.IsLive, Run: run}
}
