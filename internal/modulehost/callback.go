// Package modulehost defines the contract between the host and the
// module author's compute callback (spec.md §6 "Callback contract").
//
// The callback itself is explicitly out of scope (spec.md §1); this
// package only pins down its shape and the one error type it may signal
// to distinguish a domain failure (ModuleError, surfaced verbatim via
// errorData) from any other panic/error (surfaced with message+trace).
package modulehost

import (
	"fmt"

	"github.com/kazuph/modulehost/internal/jsonvalue"
)

// Callback is the user-supplied compute function the host wraps. It
// receives the submitted JSON request, the working directory pre-populated
// with uploaded blobs, the names of those blobs, the path to the task's
// log file (for the callback to append progress to), and the directory
// the callback should write output blobs into. It returns the structured
// response to persist, or an error (optionally a *ModuleError).
type Callback func(req jsonvalue.Value, workDir string, blobNames []string, logPath string, resultDir string) (jsonvalue.Value, error)

// ModuleError signals a domain-level failure with an attached structured
// payload (errorData) that is surfaced verbatim in the FAILED response,
// as opposed to an ordinary error/panic which is surfaced only as a
// message plus stack trace (spec.md §7, kind TASK_FAILED).
type ModuleError struct {
	Message   string
	ErrorData jsonvalue.Value
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module error: %s", e.Message)
}

// Registry maps a module name to its registered Callback. Because task
// isolation re-executes the same compiled binary (internal/supervisor),
// the callback registered at startup in the parent process (main()
// registers it before checking for the worker sentinel) is also present,
// under the same name, when the binary re-runs as a worker — no cross-process serialization of the callback
// itself is needed.
type Registry struct {
	modules map[string]Callback
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Callback)}
}

// Register adds a named callback. Intended to be called once at startup
// (or from an init()), before the host starts serving or re-execing.
func (r *Registry) Register(name string, cb Callback) {
	r.modules[name] = cb
}

// Lookup returns the callback registered under name.
func (r *Registry) Lookup(name string) (Callback, bool) {
	cb, ok := r.modules[name]
	return cb, ok
}
