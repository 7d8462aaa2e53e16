// Package server implements the daemon's wire-level request router
// (spec.md §4.B): a Unix-socket listener that accepts one connection per
// request, frames it through the wire codec, dispatches to a handler,
// and writes one response. It composes every other subsystem package
// (projectstore, compose, cache, memory, tasks, metrics) into the single
// long-running engramd process.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/engram-dev/engram/internal/cache"
	"github.com/engram-dev/engram/internal/compose"
	"github.com/engram-dev/engram/internal/config"
	"github.com/engram-dev/engram/internal/debug"
	"github.com/engram-dev/engram/internal/errors"
	"github.com/engram-dev/engram/internal/metrics"
	"github.com/engram-dev/engram/internal/projectstore"
	"github.com/engram-dev/engram/internal/tasks"
	"github.com/engram-dev/engram/internal/wire"
)

// softDeadline is the per-request timeout the router enforces on
// non-mutating requests (spec.md §4.A "100 ms soft deadline for
// non-mutating requests").
const softDeadline = 100 * time.Millisecond

// connDeadline bounds the time a single connection's read+write may take
// end-to-end, independent of the handler's own soft deadline, so a
// stalled client can never pin a goroutine indefinitely (spec.md §4.A
// "bounded per-connection timeout").
const connDeadline = 10 * time.Second

// Daemon owns every live subsystem and the socket listener that
// multiplexes requests over them (spec.md §2 "request-routing layer that
// multiplexes them over a local socket").
type Daemon struct {
	cfg *config.Config

	Store    *projectstore.Store
	Cache    *cache.Cache
	Composer *compose.Composer
	Tasks    *tasks.Queue
	Metrics  *metrics.Registry

	listener net.Listener
	pidFile  string

	mu       sync.Mutex
	conns    sync.WaitGroup
	closing  bool
}

// New wires the daemon's subsystems together from cfg. It does not yet
// bind the socket; call Start for that.
func New(cfg *config.Config) *Daemon {
	reg := metrics.New()
	store := projectstore.New(cfg)
	ctxCache := cache.New(cfg.Cache.PerProjectEntries, int64(cfg.Cache.PerProjectBytes), reg)

	// A re-indexed node drops any cache entry that referenced it
	// (spec.md §4.L); the project store is the only place that observes
	// node removal as it happens, so it carries the callback.
	store.OnNodeInvalidated = ctxCache.InvalidateNode

	d := &Daemon{
		cfg:      cfg,
		Store:    store,
		Cache:    ctxCache,
		Composer: compose.New(cfg, reg),
		Tasks:    tasks.New(1000, 4, reg),
		Metrics:  reg,
	}
	return d
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(os.TempDir(), "engram.pid")
}

// Start binds the Unix socket at cfg.SocketPath and writes the PID file,
// refusing to start if another instance is already running (spec.md §6
// "second instance refuses to start with exit code 1").
func (d *Daemon) Start() error {
	pidPath := pidFilePath(d.cfg)
	if err := acquirePIDFile(pidPath); err != nil {
		return err
	}
	d.pidFile = pidPath

	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o755); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("server: create socket dir: %w", err)
	}
	os.Remove(d.cfg.SocketPath)

	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("server: listen %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		os.Remove(pidPath)
		return fmt.Errorf("server: chmod socket: %w", err)
	}
	d.listener = ln

	debug.LogServer("listening on %s (pid %d)", d.cfg.SocketPath, os.Getpid())
	return nil
}

// Serve accepts connections until the listener is closed. It returns nil
// on a clean shutdown (listener closed by Shutdown) and the accept error
// otherwise.
func (d *Daemon) Serve() error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			d.mu.Lock()
			closing := d.closing
			d.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.handleConn(conn)
		}()
	}
}

// handleConn implements spec.md §4.A's "one request, one response, then
// closed" connection lifecycle.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		debug.LogServer("frame read error: %v", err)
		return // framing errors close the connection without a response
	}

	req, err := wire.DecodeRequest(payload)
	if err != nil {
		debug.LogServer("decode error: %v", err)
		d.writeResponse(conn, wire.Err(errors.InvalidRequest, err.Error()), false)
		return
	}

	isJSON := len(payload) > 0 && payload[0] == '{'
	resp := d.dispatch(req)
	d.writeResponse(conn, resp, isJSON)
}

func (d *Daemon) writeResponse(conn net.Conn, resp wire.Response, isJSON bool) {
	out, err := wire.EncodeResponse(resp, isJSON)
	if err != nil {
		debug.LogServer("encode response error: %v", err)
		return
	}
	if err := wire.WriteFrame(conn, out); err != nil {
		debug.LogServer("frame write error: %v", err)
	}
}

// mutatingActions names the requests spec.md §4.B marks "Mutating?
// yes" - the ones the router never subjects to the soft deadline since
// they must be durable before acknowledging rather than fast.
var mutatingActions = map[wire.Action]bool{
	wire.ActionInitProject:      true,
	wire.ActionPrepareContext:   true,
	wire.ActionNotifyFileChange: true,
	wire.ActionMemoryPut:        true,
	wire.ActionMemoryPatch:      true,
	wire.ActionMemoryDelete:     true,
	wire.ActionMemorySync:       true,
	wire.ActionGraftExperience:  true,
	wire.ActionShutdown:         true,
}

// dispatch runs the handler for req, enforcing the soft deadline on
// non-mutating requests (spec.md §4.A): the handler body runs in its own
// goroutine so a deadline miss can return Error{Timeout} immediately
// while the handler keeps running to completion in the background
// (spec.md §4.A "on deadline miss ... any in-flight work continues on
// the background queue").
func (d *Daemon) dispatch(req wire.Request) wire.Response {
	stop := d.Metrics.Timer("ipc.request")
	defer stop()

	if !mutatingActions[req.Action] {
		return d.dispatchWithDeadline(req)
	}
	return d.route(req)
}

func (d *Daemon) dispatchWithDeadline(req wire.Request) wire.Response {
	result := make(chan wire.Response, 1)
	go func() {
		result <- d.route(req)
	}()

	select {
	case resp := <-result:
		return resp
	case <-time.After(softDeadline):
		return wire.Err(errors.Timeout, fmt.Sprintf("%s exceeded %s soft deadline", req.Action, softDeadline))
	}
}

// Shutdown stops accepting new connections, drains the background task
// queue with a 5s cap, waits for in-flight connection handlers, closes
// the listener, and removes the PID file (spec.md §5 "Shutdown drains
// the background queue with a 5s cap, then aborts").
func (d *Daemon) Shutdown(ctx context.Context) {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	if d.listener != nil {
		d.listener.Close()
	}

	d.Tasks.Shutdown(func() <-chan struct{} {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			close(done)
		}()
		return done
	})

	connsDone := make(chan struct{})
	go func() {
		d.conns.Wait()
		close(connsDone)
	}()
	select {
	case <-connsDone:
	case <-time.After(5 * time.Second):
	}

	if d.pidFile != "" {
		os.Remove(d.pidFile)
	}
}
