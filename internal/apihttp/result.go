package apihttp

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kazuph/modulehost/internal/apierror"
	"github.com/kazuph/modulehost/internal/storage"
)

// Result implements GET /result/{id}/{file}. The traversal defenses are
// adapted from kazuph-wallfacer's internal/handler.ServeOutput: a
// filename whitelist (here, containment rather than an extension regex,
// since result filenames are module-defined and not fixed) plus a
// resolved-path containment check.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	id, apiErr := parseTaskID(r.PathValue("id"))
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	file := r.PathValue("file")
	if file == "" || file != filepath.Base(file) || strings.Contains(file, "..") {
		writeAPIError(w, apierror.New(apierror.BadRequest, "invalid filename"))
		return
	}

	state, dir := h.layout.Lookup(id)
	if state != storage.StateCompleted {
		writeAPIError(w, apierror.New(apierror.NotFound, "task not completed"))
		return
	}

	baseDir := filepath.Join(dir, storage.ResultDirName)
	fullPath := filepath.Join(baseDir, file)
	if !strings.HasPrefix(filepath.Clean(fullPath), filepath.Clean(baseDir)+string(filepath.Separator)) {
		writeAPIError(w, apierror.New(apierror.BadRequest, "invalid path"))
		return
	}

	if info, err := os.Stat(fullPath); err != nil || info.IsDir() {
		writeAPIError(w, apierror.New(apierror.NotFound, "result file not found"))
		return
	}

	http.ServeFile(w, r, fullPath)
}
