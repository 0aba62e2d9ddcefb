// Package supervisor spawns one OS child process per task, tracks the
// live children by task ID, and performs the RUNNING→COMPLETED rename
// either from inside the child (natural completion) or from the host
// (after a kill, since the child never reaches its own cleanup path).
//
// Grounded on cklxx-elephant.ai's internal/devops/process.Manager, which
// keeps a map[string]*ManagedProcess under a sync.Mutex, starts each
// command with SysProcAttr.Setpgid so the process heads its own group,
// and kills by sending syscall.Kill(-pgid, sig) to that whole group
// (see killProcess in manager.go). The isolation mechanism here differs
// from the teacher only in how the child is produced: rather than an
// external binary, it is the host's own binary re-executed with an
// environment-variable sentinel (see worker.go) so that the user
// callback — compiled into this process — still runs in its own OS
// process and can be group-killed like the teacher's managed processes.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kazuph/modulehost/internal/logger"
	"github.com/kazuph/modulehost/internal/storage"
	"github.com/kazuph/modulehost/internal/taskid"
)

const (
	envWorker     = "_MODULEHOST_WORKER"
	envTaskDir    = "_MODULEHOST_TASK_DIR"
	envModuleName = "_MODULEHOST_MODULE_NAME"
	envLogPath    = "_MODULEHOST_LOG_PATH"
	envResultDir  = "_MODULEHOST_RESULT_DIR"

	killGrace = 5 * time.Second
)

type liveChild struct {
	cmd  *exec.Cmd
	pgid int
	done chan struct{}
}

// Supervisor tracks RUNNING tasks spawned by this host instance.
type Supervisor struct {
	mu      sync.Mutex
	live    map[taskid.ID]*liveChild
	layout  *storage.Layout
	modName string
}

// New constructs a Supervisor bound to layout. modName identifies, via
// the re-exec sentinel environment, which registered callback the
// worker process should invoke — the host serves exactly one module
// per spec.md §1, so this is fixed for the process lifetime.
func New(layout *storage.Layout, modName string) *Supervisor {
	return &Supervisor{
		live:    make(map[taskid.ID]*liveChild),
		layout:  layout,
		modName: modName,
	}
}

// Count returns the number of children this instance currently tracks
// as live, exposed for diagnostics; the authoritative RUNNING count per
// spec.md §3 is always storage.Layout.RunningTaskCount, not this map.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Spawn starts the isolated child for id and registers it before
// returning. The child's own log is appended to logPath, which must
// already exist (created empty by the caller at submit time, per
// spec.md §3 "Log file").
func (s *Supervisor) Spawn(id taskid.ID, taskDir, resultDir, logPath string) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self executable: %w", err)
	}

	cmd := exec.Command(exePath)
	cmd.Env = append(os.Environ(),
		envWorker+"=1",
		envTaskDir+"="+taskDir,
		envModuleName+"="+s.modName,
		envLogPath+"="+logPath,
		envResultDir+"="+resultDir,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open task log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start worker: %w", err)
	}
	pgid := cmd.Process.Pid

	child := &liveChild{cmd: cmd, pgid: pgid, done: make(chan struct{})}

	s.mu.Lock()
	s.live[id] = child
	s.mu.Unlock()

	go s.awaitExit(id, child, logFile)
	return nil
}

// awaitExit waits for the worker to exit on its own. A cleanly
// completed worker has already performed its own completion rename
// (worker.go); an abnormally terminated one (e.g. OOM-killed between
// writing responseJsonPayload and renaming, outside of our own Kill
// path) may have left running/<id> behind with a finished response
// sitting in it, so promoteIfFinished is given a chance to close that
// gap before the registry entry is dropped — fixing the leak spec.md
// §9 flags as a bug in the source rather than replicating it.
func (s *Supervisor) awaitExit(id taskid.ID, child *liveChild, logFile *os.File) {
	err := child.cmd.Wait()
	logFile.Close()
	close(child.done)

	if promoteErr := s.promoteIfFinished(id); promoteErr != nil {
		logger.Supervisor.Warn("promote orphaned completion failed", "task_id", id.String(), "error", promoteErr)
	}

	s.mu.Lock()
	cur, ok := s.live[id]
	if ok && cur == child {
		delete(s.live, id)
	}
	s.mu.Unlock()

	if err != nil {
		logger.Supervisor.Warn("worker exited non-zero", "task_id", id.String(), "error", err)
	}
}

// promoteIfFinished renames running/<id> into completed/ if the worker
// got as far as writing responseJsonPayload but exited (or was killed)
// before performing that rename itself. A no-op if running/<id> is
// already gone (the common case: the worker renamed it itself) or if
// it exists but has no response payload yet (genuinely interrupted
// mid-task — left alone, matching spec.md's framing of this as an
// unresolved edge case beyond the explicit kill path).
func (s *Supervisor) promoteIfFinished(id taskid.ID) error {
	runningDir := s.layout.RunningDir(id)
	if !dirExists(runningDir) {
		return nil
	}
	if _, err := os.Stat(filepath.Join(runningDir, storage.ResponsePayloadName)); err != nil {
		return nil
	}
	if err := os.Rename(runningDir, s.layout.CompletedDir(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("promote finished task: %w", err)
	}
	return nil
}

// Kill signal-terminates the entire process group of the child running
// id, waits for it to exit, and — because a killed child never reaches
// its own completion rename — performs that rename itself with a
// synthetic cancellation error. Returns false if id is not live.
func (s *Supervisor) Kill(id taskid.ID) (bool, error) {
	s.mu.Lock()
	child, ok := s.live[id]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := syscall.Kill(-child.pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return true, fmt.Errorf("SIGTERM process group %d: %w", child.pgid, err)
	}

	select {
	case <-child.done:
	case <-time.After(killGrace):
		if err := syscall.Kill(-child.pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return true, fmt.Errorf("SIGKILL process group %d: %w", child.pgid, err)
		}
		<-child.done
	}

	if err := s.finishCancelled(id); err != nil {
		return true, err
	}
	return true, nil
}

// finishCancelled performs the completion rename on behalf of a killed
// task. Per spec.md §4.4's edge case, a concurrent natural completion
// may have already renamed the directory away; that is not an error —
// the loser of the race simply observes running/<id> already gone.
func (s *Supervisor) finishCancelled(id taskid.ID) error {
	runningDir := s.layout.RunningDir(id)
	if !dirExists(runningDir) {
		return nil
	}

	if err := os.WriteFile(filepath.Join(runningDir, storage.ErrorName), []byte("Task cancelled by user"), 0o600); err != nil {
		return fmt.Errorf("write cancellation marker: %w", err)
	}
	if err := storage.AtomicWriteJSON(filepath.Join(runningDir, storage.ResponsePayloadName), map[string]any{}); err != nil {
		return fmt.Errorf("write cancellation response: %w", err)
	}

	if err := os.Rename(runningDir, s.layout.CompletedDir(id)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rename cancelled task: %w", err)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ReapOrphans is the startup-time half of spec.md §9's second open
// question (a worker that writes responseJsonPayload and is killed
// before its own rename leaves running/<id> behind forever). Because
// storage.New wipes the storage root on every startup (spec.md's
// explicit non-durability non-goal), this pass will normally find
// nothing to do across a host restart — there is no running/ left to
// inspect by the time it runs. It exists for the case where the host
// is reusing a storage root that something other than this process's
// own storage.New call populated (e.g. an operator pointed -storage at
// an existing tree before the wipe, or a future build relaxes the wipe
// policy), so the check is cheap and harmless to keep. The mechanism
// that actually matters during a single host's lifetime is
// promoteIfFinished, invoked from awaitExit for every child as it exits.
func (s *Supervisor) ReapOrphans(ctx context.Context) error {
	root := filepath.Join(s.layout.Root(), "running")
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("list running/: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !taskid.Valid(e.Name()) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		id, err := taskid.Parse(e.Name())
		if err != nil {
			continue
		}
		if err := s.promoteIfFinished(id); err != nil {
			logger.Supervisor.Warn("reap orphan failed", "task_id", id.String(), "error", err)
		}
	}
	return nil
}
