package apihttp

import (
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/kazuph/modulehost/internal/apierror"
)

// Log implements GET /log/{id}?offset=N, returning raw bytes from offset
// to end-of-file. An offset beyond EOF yields an empty body, not an
// error (spec.md §8 boundary).
func (h *Handler) Log(w http.ResponseWriter, r *http.Request) {
	id, apiErr := parseTaskID(r.PathValue("id"))
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	offset := int64(0)
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeAPIError(w, apierror.New(apierror.BadRequest, "invalid offset"))
			return
		}
		offset = n
	}

	f, err := os.Open(h.layout.LogPath(id))
	if err != nil {
		writeAPIError(w, apierror.New(apierror.NotFound, "log not found"))
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && offset > info.Size() {
		offset = info.Size()
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		writeAPIError(w, apierror.New(apierror.Internal, "seek log: "+err.Error()))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}
