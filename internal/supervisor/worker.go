package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/kazuph/modulehost/internal/jsonvalue"
	"github.com/kazuph/modulehost/internal/modulehost"
	"github.com/kazuph/modulehost/internal/storage"
)

// IsWorkerProcess reports whether this process invocation is a
// re-executed task worker rather than the host server. main() must
// check this before doing anything else.
func IsWorkerProcess() bool {
	return os.Getenv(envWorker) != ""
}

// RunWorker executes the task worker's entire lifetime: read the
// request payload, invoke the registered callback, persist the
// response or error, and atomically rename the task directory into
// completed/. It calls os.Exit and never returns.
//
// Grounded on kazuph-wallfacer's internal/runner/execute.go Run(), which
// wraps the whole turn in a defer+recover that marks the task failed on
// any panic before re-panicking is avoided — here generalized into the
// three-way split spec.md §4.4 requires: clean return, ModuleError, and
// any other panic/error.
func RunWorker(reg *modulehost.Registry) {
	taskDir := os.Getenv(envTaskDir)
	modName := os.Getenv(envModuleName)
	resultDir := os.Getenv(envResultDir)
	logPath := os.Getenv(envLogPath)

	if taskDir == "" || modName == "" || resultDir == "" {
		fmt.Fprintln(os.Stderr, "modulehost worker: missing required environment")
		os.Exit(1)
	}

	cb, ok := reg.Lookup(modName)
	if !ok {
		fmt.Fprintf(os.Stderr, "modulehost worker: unregistered module %q\n", modName)
		os.Exit(1)
	}

	workDir := filepath.Join(taskDir, storage.WdDirName)
	blobNames, err := listBlobNames(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modulehost worker: list blobs: %v\n", err)
		os.Exit(1)
	}

	req, err := readRequestPayload(taskDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modulehost worker: read request: %v\n", err)
		os.Exit(1)
	}

	response, stackTrace := invokeCallback(cb, req, workDir, blobNames, logPath, resultDir)

	if err := persistCompletion(taskDir, response, stackTrace); err != nil {
		fmt.Fprintf(os.Stderr, "modulehost worker: persist completion: %v\n", err)
		os.Exit(1)
	}

	completedDir := storage.CompletedDirForRunning(taskDir)
	if err := os.Rename(taskDir, completedDir); err != nil {
		// The host's kill path may have already moved this directory out
		// from under us (spec.md §4.4 "concurrent kill and natural
		// completion"); losing that race here is expected, not an error.
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "modulehost worker: completion rename: %v\n", err)
			os.Exit(1)
		}
	}
	os.Exit(0)
}

// invokeCallback runs cb under a recover so that a user panic is
// reported the same way as a returned error (spec.md §4.4 step 5): as
// a stack trace plus a bare {message} response. On a clean return the
// response is whatever JSON value the callback produced, unwrapped —
// per spec.md §8's round-trip law the module's return value V must
// reach /state as response == V, not nested inside a host-added key.
func invokeCallback(cb modulehost.Callback, req jsonvalue.Value, workDir string, blobNames []string, logPath, resultDir string) (response any, stackTrace string) {
	defer func() {
		if r := recover(); r != nil {
			stackTrace = fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
			response = map[string]any{"message": fmt.Sprintf("%v", r)}
		}
	}()

	out, err := cb(req, workDir, blobNames, logPath, resultDir)
	if err == nil {
		return out.Raw(), ""
	}

	if modErr, ok := err.(*modulehost.ModuleError); ok {
		return map[string]any{
			"message":   modErr.Message,
			"errorData": modErr.ErrorData.Raw(),
		}, fmt.Sprintf("%s\n%s", modErr.Error(), debug.Stack())
	}

	return map[string]any{"message": err.Error()}, fmt.Sprintf("%s\n%s", err.Error(), debug.Stack())
}

func persistCompletion(taskDir string, response any, stackTrace string) error {
	if stackTrace != "" {
		if err := os.WriteFile(filepath.Join(taskDir, storage.ErrorName), []byte(stackTrace), 0o600); err != nil {
			return err
		}
	}
	return storage.AtomicWriteJSON(filepath.Join(taskDir, storage.ResponsePayloadName), response)
}

func readRequestPayload(taskDir string) (jsonvalue.Value, error) {
	raw, err := os.ReadFile(filepath.Join(taskDir, storage.RequestPayloadName))
	if err != nil {
		return jsonvalue.Null, err
	}
	return jsonvalue.Decode(raw)
}

func listBlobNames(workDir string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
