// Package storage owns the module host's on-disk directory tree and the
// pure path-resolution rules for task directories and log files.
//
// Grounded on kazuph-wallfacer's internal/store.NewStore (os.MkdirAll on
// the data root, fatal on init failure) and internal/store/io.go's
// temp-file-then-rename atomic write, generalized here to the spec's
// wipe-at-startup, disk-is-truth layout instead of the teacher's
// persistent task.json store.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kazuph/modulehost/internal/taskid"
)

const (
	logsDirName      = "logs"
	runningDirName   = "running"
	completedDirName = "completed"

	// WdDirName is the callback's working directory within a task directory.
	WdDirName = "wd"
	// ResultDirName is where the callback writes output blobs.
	ResultDirName = "result"
	// RequestPayloadName is the verbatim copy of the submitted request.
	RequestPayloadName = "requestJsonPayload"
	// ResponsePayloadName is the callback's serialized structured response.
	ResponsePayloadName = "responseJsonPayload"
	// ErrorName holds a plaintext stack trace when the task failed.
	ErrorName = "error"
)

// Layout owns the storage root and resets it at startup.
type Layout struct {
	root string
}

// New wipes and recreates the storage tree rooted at root. Per spec.md
// §4.1, the wipe is intentional — the host does not recover in-flight
// tasks across restarts. Failure to initialize storage is fatal to the
// caller (mirrors the teacher's logger.Fatal(logger.Main, "store", ...)
// in server.go; the caller decides how to surface that).
func New(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return nil, fmt.Errorf("wipe storage root: %w", err)
	}
	l := &Layout{root: abs}
	for _, dir := range []string{l.logsDir(), l.runningRoot(), l.completedRoot()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return l, nil
}

// Root returns the absolute storage root.
func (l *Layout) Root() string { return l.root }

func (l *Layout) logsDir() string       { return filepath.Join(l.root, logsDirName) }
func (l *Layout) runningRoot() string   { return filepath.Join(l.root, runningDirName) }
func (l *Layout) completedRoot() string { return filepath.Join(l.root, completedDirName) }

// RunningDir resolves the RUNNING-state directory for id.
func (l *Layout) RunningDir(id taskid.ID) string {
	return filepath.Join(l.runningRoot(), id.String())
}

// CompletedDir resolves the COMPLETED-state directory for id.
func (l *Layout) CompletedDir(id taskid.ID) string {
	return filepath.Join(l.completedRoot(), id.String())
}

// CompletedDirForRunning maps a running/<id> path to its completed/<id>
// sibling without needing a *Layout. The re-exec'd worker process (see
// internal/supervisor/worker.go) only receives its own task directory via
// environment variables, not a constructed Layout (constructing one with
// New would wipe the storage root out from under the running host), so it
// resolves the rename target with this pure path rule instead.
func CompletedDirForRunning(runningTaskDir string) string {
	root := filepath.Dir(filepath.Dir(runningTaskDir))
	return filepath.Join(root, completedDirName, filepath.Base(runningTaskDir))
}

// LogPath resolves the plaintext log file for id.
func (l *Layout) LogPath(id taskid.ID) string {
	return filepath.Join(l.logsDir(), id.String()+".txt")
}

// RunningTaskCount counts immediate children of running/ whose name begins
// with the "t_" task-ID prefix — the authoritative count of RUNNING tasks
// per spec.md §3 invariants.
func (l *Layout) RunningTaskCount() (int, error) {
	entries, err := os.ReadDir(l.runningRoot())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() && taskid.Valid(e.Name()) {
			n++
		}
	}
	return n, nil
}

// State reports which on-disk signature a task currently has.
type State int

const (
	// StateUnknown means neither running/ nor completed/ holds the task.
	StateUnknown State = iota
	StateRunning
	StateCompleted
)

// Lookup consults disk in the order spec.md §4.5 requires: running first,
// then completed, so that a task mid-rename is never seen as neither: if
// running/<id> is already gone, the atomic rename has already created
// completed/<id>. A task is reported in exactly one state, never both.
func (l *Layout) Lookup(id taskid.ID) (State, string) {
	if dir := l.RunningDir(id); dirExists(dir) {
		return StateRunning, dir
	}
	if dir := l.CompletedDir(id); dirExists(dir) {
		return StateCompleted, dir
	}
	return StateUnknown, ""
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// AtomicWriteJSON marshals v and writes it to path via temp-file-then-rename,
// so a reader never observes a partially-written file. Adapted from
// kazuph-wallfacer's internal/store/io.go atomicWriteJSON.
func AtomicWriteJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
