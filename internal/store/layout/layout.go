// Package layout manages the on-disk directory structure of a single
// project's persisted state (spec.md §6 "On-disk layout"):
//
//	<data_dir>/projects/<hash>/manifest.json
//	<data_dir>/projects/<hash>/skeleton.<codec>
//	<data_dir>/projects/<hash>/tree.<codec>
//	<data_dir>/projects/<hash>/deps.<codec>
//	<data_dir>/projects/<hash>/memory.log
//	<data_dir>/projects/<hash>/snapshots/<ts>/
//	<data_dir>/migrations.log
package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/engram-dev/engram/internal/errors"
	"github.com/engram-dev/engram/internal/types"
)

const (
	ManifestFile  = "manifest.json"
	SkeletonFile  = "skeleton.bin"
	TreeFile      = "tree.bin"
	DepsFile      = "deps.bin"
	MemoryLogFile = "memory.log"
	SnapshotsDir  = "snapshots"
)

// Layout resolves paths under a single project's data directory.
type Layout struct {
	DataDir     string
	ProjectHash string
}

func New(dataDir, projectHash string) *Layout {
	return &Layout{DataDir: dataDir, ProjectHash: projectHash}
}

func (l *Layout) ProjectDir() string {
	return filepath.Join(l.DataDir, "projects", l.ProjectHash)
}

func (l *Layout) ManifestPath() string  { return filepath.Join(l.ProjectDir(), ManifestFile) }
func (l *Layout) SkeletonPath() string  { return filepath.Join(l.ProjectDir(), SkeletonFile) }
func (l *Layout) TreePath() string      { return filepath.Join(l.ProjectDir(), TreeFile) }
func (l *Layout) DepsPath() string      { return filepath.Join(l.ProjectDir(), DepsFile) }
func (l *Layout) MemoryLogPath() string { return filepath.Join(l.ProjectDir(), MemoryLogFile) }
func (l *Layout) SnapshotsDirPath() string {
	return filepath.Join(l.ProjectDir(), SnapshotsDir)
}
func (l *Layout) SnapshotPath(ts time.Time) string {
	return filepath.Join(l.SnapshotsDirPath(), ts.UTC().Format("20060102T150405Z"))
}

// MigrationsLogPath is shared across all projects under a single data dir.
func MigrationsLogPath(dataDir string) string {
	return filepath.Join(dataDir, "migrations.log")
}

// EnsureDirs creates the project directory tree (and the snapshots
// subdirectory) if it does not already exist.
func (l *Layout) EnsureDirs() error {
	if err := os.MkdirAll(l.ProjectDir(), 0o755); err != nil {
		return errors.New(errors.StorageUnavailable, "layout.EnsureDirs", err).WithProject(l.ProjectHash)
	}
	if err := os.MkdirAll(l.SnapshotsDirPath(), 0o755); err != nil {
		return errors.New(errors.StorageUnavailable, "layout.EnsureDirs", err).WithProject(l.ProjectHash)
	}
	return nil
}

// Exists reports whether this project has ever been initialized on disk
// (manifest.json present), used by the CheckInit request (spec.md §4.B).
func (l *Layout) Exists() bool {
	_, err := os.Stat(l.ManifestPath())
	return err == nil
}

// WriteManifest atomically persists m: write to a temp file in the same
// directory, fsync, then rename over the target. This avoids torn writes
// if the daemon is killed mid-write (spec.md §9 durability property).
func (l *Layout) WriteManifest(m *types.ManifestV1) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.New(errors.Internal, "layout.WriteManifest", err).WithProject(l.ProjectHash)
	}
	return l.atomicWrite(l.ManifestPath(), data)
}

func (l *Layout) ReadManifest() (*types.ManifestV1, error) {
	data, err := os.ReadFile(l.ManifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.NotInitialized, "layout.ReadManifest", err).WithProject(l.ProjectHash)
		}
		return nil, errors.New(errors.StorageUnavailable, "layout.ReadManifest", err).WithProject(l.ProjectHash)
	}
	var m types.ManifestV1
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.New(errors.Internal, "layout.ReadManifest", err).WithProject(l.ProjectHash)
	}
	return &m, nil
}

// atomicWrite writes data to path via write-temp/fsync/rename, the same
// durability pattern the teacher's config and index-state persistence use.
func (l *Layout) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(errors.StorageUnavailable, "layout.atomicWrite", err).WithPath(path)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.New(errors.StorageUnavailable, "layout.atomicWrite", err).WithPath(path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.New(errors.StorageUnavailable, "layout.atomicWrite", err).WithPath(path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.New(errors.StorageUnavailable, "layout.atomicWrite", err).WithPath(path)
	}
	if err := tmp.Close(); err != nil {
		return errors.New(errors.StorageUnavailable, "layout.atomicWrite", err).WithPath(path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.New(errors.StorageUnavailable, "layout.atomicWrite", err).WithPath(path)
	}
	return nil
}

// WriteBlob persists an arbitrary codec-encoded blob (skeleton/tree/deps)
// atomically.
func (l *Layout) WriteBlob(path string, data []byte) error {
	return l.atomicWrite(path, data)
}

func (l *Layout) ReadBlob(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.NotFound, "layout.ReadBlob", err).WithPath(path)
		}
		return nil, errors.New(errors.StorageUnavailable, "layout.ReadBlob", err).WithPath(path)
	}
	return data, nil
}

// AppendMemoryLog appends a single newline-terminated record to
// memory.log, opening in append mode so concurrent appends from the same
// process interleave atomically at the OS level for writes under PIPE_BUF.
func (l *Layout) AppendMemoryLog(record []byte) error {
	f, err := os.OpenFile(l.MemoryLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.New(errors.StorageUnavailable, "layout.AppendMemoryLog", err).WithProject(l.ProjectHash)
	}
	defer f.Close()
	if _, err := f.Write(append(record, '\n')); err != nil {
		return errors.New(errors.StorageUnavailable, "layout.AppendMemoryLog", err).WithProject(l.ProjectHash)
	}
	return f.Sync()
}

// RecordMigration appends a one-line note to the shared migrations.log,
// used when a project's on-disk schema_version is upgraded in place
// (spec.md §6 "schema_version changes are additive within a major
// version").
func RecordMigration(dataDir, projectHash string, fromVersion, toVersion int) error {
	path := MigrationsLogPath(dataDir)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.New(errors.StorageUnavailable, "layout.RecordMigration", err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s project=%s from=%d to=%d\n", time.Now().UTC().Format(time.RFC3339), projectHash, fromVersion, toVersion)
	_, err = f.WriteString(line)
	return err
}
