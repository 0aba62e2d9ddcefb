package apihttp

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kazuph/modulehost/internal/apierror"
	"github.com/kazuph/modulehost/internal/storage"
	"github.com/kazuph/modulehost/internal/taskid"
)

// State implements GET /state/{id}. Per spec.md §4.5 the lookup must
// check running/ before completed/, which storage.Layout.Lookup already
// guarantees.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	id, apiErr := parseTaskID(r.PathValue("id"))
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	state, dir := h.layout.Lookup(id)
	switch state {
	case storage.StateRunning:
		writeJSON(w, http.StatusOK, map[string]any{"state": "RUNNING"})
	case storage.StateCompleted:
		writeJSON(w, http.StatusOK, completedState(dir))
	default:
		writeAPIError(w, apierror.New(apierror.NotFound, "unknown task"))
	}
}

// completedState reads a completed task directory and renders the
// {state, response, blobs | stackTrace} body the wire contract requires.
//
// The FAILED path's response payload is always host-constructed (either
// {message, errorData} from a *ModuleError or {message} from any other
// error/panic, per spec.md §4.4) so it is always a JSON object and can be
// merged flat into the wire body. The COMPLETED-ok path's payload is
// whatever JSON value the user callback returned — per spec.md §8's
// round-trip law it must reach the client unmodified, so it is kept as
// raw JSON under the "response" key rather than forced through a map.
func completedState(dir string) map[string]any {
	raw, err := os.ReadFile(filepath.Join(dir, storage.ResponsePayloadName))
	if err != nil {
		return map[string]any{"state": "SERVER_ERROR", "message": "missing response payload: " + err.Error()}
	}
	if !json.Valid(raw) {
		return map[string]any{"state": "SERVER_ERROR", "message": "malformed response payload"}
	}

	stackTrace, hasError := readErrorFile(dir)
	if hasError {
		var response map[string]any
		if err := json.Unmarshal(raw, &response); err != nil {
			return map[string]any{"state": "SERVER_ERROR", "message": "malformed response payload: " + err.Error()}
		}
		out := map[string]any{"state": "FAILED", "stackTrace": stackTrace}
		for k, v := range response {
			out[k] = v
		}
		return out
	}

	blobs, err := listResultBlobs(dir)
	if err != nil {
		return map[string]any{"state": "SERVER_ERROR", "message": "list result blobs: " + err.Error()}
	}
	return map[string]any{"state": "COMPLETED", "blobs": blobs, "response": json.RawMessage(raw)}
}

func readErrorFile(dir string) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, storage.ErrorName))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func listResultBlobs(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, storage.ResultDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
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

func parseTaskID(raw string) (taskid.ID, *apierror.Error) {
	id, err := taskid.Parse(raw)
	if err != nil {
		return "", apierror.New(apierror.NotFound, "unknown task")
	}
	return id, nil
}
