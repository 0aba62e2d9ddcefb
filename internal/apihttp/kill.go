package apihttp

import (
	"net/http"

	"github.com/kazuph/modulehost/internal/apierror"
)

// Kill implements GET /kill/{id}.
func (h *Handler) Kill(w http.ResponseWriter, r *http.Request) {
	id, apiErr := parseTaskID(r.PathValue("id"))
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	found, err := h.sup.Kill(id)
	if err != nil {
		writeAPIError(w, apierror.New(apierror.Internal, "kill task: "+err.Error()))
		return
	}
	if !found {
		writeAPIError(w, apierror.New(apierror.NotFound, "unknown task"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
