package apihttp

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kazuph/modulehost/internal/apierror"
	"github.com/kazuph/modulehost/internal/capacity"
	"github.com/kazuph/modulehost/internal/jsonvalue"
	"github.com/kazuph/modulehost/internal/storage"
	"github.com/kazuph/modulehost/internal/taskid"
)

const jsonPayloadPartName = "jsonPayload"

// Submit implements POST /submit. It streams the multipart body part by
// part (rather than buffering the whole request with ParseMultipartForm,
// as sthanikan2000-nsw's internal/uploads handler does) so an upload's
// size is bounded only by local disk, per spec.md §6.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeAPIError(w, apierror.New(apierror.BadRequest, "expected multipart request: "+err.Error()))
		return
	}

	id := taskid.New()
	if err := h.gate.Reserve(id); err != nil {
		if errors.Is(err, capacity.ErrCapacityExceeded) {
			writeAPIError(w, apierror.New(apierror.CapacityExceeded, "capacity exceeded"))
			return
		}
		writeAPIError(w, apierror.New(apierror.Internal, "reserve task: "+err.Error()))
		return
	}

	taskDir := h.layout.RunningDir(id)
	if apiErr := h.stageSubmission(mr, taskDir); apiErr != nil {
		os.RemoveAll(taskDir)
		writeAPIError(w, apiErr)
		return
	}

	logPath := h.layout.LogPath(id)
	if err := os.WriteFile(logPath, nil, 0o600); err != nil {
		os.RemoveAll(taskDir)
		writeAPIError(w, apierror.New(apierror.Internal, "create log file: "+err.Error()))
		return
	}

	resultDir := filepath.Join(taskDir, storage.ResultDirName)
	if err := h.sup.Spawn(id, taskDir, resultDir, logPath); err != nil {
		os.RemoveAll(taskDir)
		os.Remove(logPath)
		writeAPIError(w, apierror.New(apierror.Internal, "spawn task: "+err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"taskId": id.String()})
}

// stageSubmission lays down wd/, result/, and requestJsonPayload inside
// an already-reserved task directory, reading the multipart body one
// part at a time.
func (h *Handler) stageSubmission(mr *multipart.Reader, taskDir string) *apierror.Error {
	workDir := filepath.Join(taskDir, storage.WdDirName)
	resultDir := filepath.Join(taskDir, storage.ResultDirName)
	for _, dir := range []string{workDir, resultDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return apierror.New(apierror.Internal, "create task subdirectory: "+err.Error())
		}
	}

	var gotPayload bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return apierror.New(apierror.BadRequest, "read multipart body: "+err.Error())
		}

		name := part.FormName()
		if name == jsonPayloadPartName {
			v, apiErr := decodeJSONPart(part)
			if apiErr != nil {
				part.Close()
				return apiErr
			}
			if err := storage.AtomicWriteJSON(filepath.Join(taskDir, storage.RequestPayloadName), v); err != nil {
				part.Close()
				return apierror.New(apierror.Internal, "write request payload: "+err.Error())
			}
			gotPayload = true
		} else {
			if !validBlobName(name) {
				part.Close()
				return apierror.New(apierror.BadRequest, fmt.Sprintf("invalid blob part name %q", name))
			}
			if err := writeBlobPart(filepath.Join(workDir, name), part); err != nil {
				part.Close()
				return apierror.New(apierror.Internal, "store blob: "+err.Error())
			}
		}
		part.Close()
	}

	if !gotPayload {
		return apierror.New(apierror.BadRequest, "missing required multipart part \""+jsonPayloadPartName+"\"")
	}
	return nil
}

func decodeJSONPart(r io.Reader) (jsonvalue.Value, *apierror.Error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return jsonvalue.Null, apierror.New(apierror.BadRequest, "read jsonPayload: "+err.Error())
	}
	v, err := jsonvalue.Decode(raw)
	if err != nil {
		return jsonvalue.Null, apierror.New(apierror.BadRequest, "invalid JSON in jsonPayload: "+err.Error())
	}
	return v, nil
}

func writeBlobPart(dst string, r io.Reader) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// validBlobName rejects part names that would escape the working
// directory, mirroring the path-traversal defenses in
// kazuph-wallfacer's internal/handler.ServeOutput.
func validBlobName(name string) bool {
	if name == "" || name != filepath.Base(name) {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}
