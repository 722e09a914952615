package workerclient

import (
	"context"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Loader performs the actual work behind one file of a load_file request:
// fetch ref from the UFS and populate the local cache. The bool return
// mirrors FileFailure.Retryable, letting the loader classify its own
// errors (e.g. a permission error is not retryable, a UFS timeout is).
type Loader interface {
	LoadFile(ctx context.Context, ref FileRef, verify bool) (retryable bool, err error)
}

// Handler serves load_file requests on behalf of a worker, mirroring the
// request-decode / validate / respond shape of
// pkg/compactor/block_upload.go's HTTP handlers.
type Handler struct {
	logger log.Logger
	loader Loader
}

// NewHandler creates a load_file HTTP handler backed by loader.
func NewHandler(logger log.Logger, loader Loader) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handler{logger: log.With(logger, "component", "workerclient.Handler"), loader: loader}
}

// ServeHTTP handles POST /api/v1/load_file.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoadFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	level.Debug(h.logger).Log("msg", "received load_file request", "tag", req.Tag, "files", len(req.Files))

	resp := LoadFileResponse{Status: StatusSuccess}
	for _, ref := range req.Files {
		retryable, err := h.loader.LoadFile(r.Context(), ref, req.Verify)
		if err == nil {
			continue
		}
		level.Warn(h.logger).Log("msg", "failed to load file", "tag", req.Tag, "file", ref.AlluxioPath, "err", err)
		resp.Files = append(resp.Files, FileFailure{
			File:      ref.AlluxioPath,
			Message:   err.Error(),
			Code:      http.StatusInternalServerError,
			Retryable: retryable,
		})
	}

	switch {
	case len(resp.Files) == 0:
		resp.Status = StatusSuccess
	case len(resp.Files) == len(req.Files):
		resp.Status = StatusFailure
	default:
		resp.Status = StatusPartial
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		level.Error(h.logger).Log("msg", "failed to encode load_file response", "err", err)
	}
}
