// Package httpapi exposes the job coordinator and the prober over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/CZERTAINLY/Surveyor/internal/model"
	"github.com/CZERTAINLY/Surveyor/internal/service"
	"github.com/CZERTAINLY/Surveyor/internal/store"

	"github.com/go-chi/chi/v5"
)

const maxBody = 64 * 1024

// JobService is the part of service.Coordinator the API needs.
type JobService interface {
	Submit(ctx context.Context, hostname string) (string, error)
	Status(ctx context.Context, id string) (model.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Jobs() []model.Job
}

type JobHandlers struct {
	Svc   JobService
	Store *store.Store
}

type submitRequest struct {
	Target string `json:"target"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	id, err := h.Svc.Submit(r.Context(), strings.ToLower(strings.TrimSpace(req.Target)))
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, submitResponse{JobID: id})
	case errors.Is(err, model.ErrInvalidHostname):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_target", Err: err})
	case errors.Is(err, service.ErrClosed):
		WriteError(w, ErrorParams{Code: http.StatusServiceUnavailable, ErrCode: "shutting_down", Err: err})
	default:
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "submit_failed", Err: err})
	}
}

func (h *JobHandlers) List(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.Svc.Jobs())
}

func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Download sends the human readable report of a job as an attachment.
func (h *JobHandlers) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := h.Store.Open(id, store.ReportFile)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s"`, id, store.ReportFile))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		slog.DebugContext(r.Context(), "sending report failed", "job_id", id, "error", err)
	}
}

func (h *JobHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Svc.Cancel(r.Context(), id); err != nil {
		slog.ErrorContext(r.Context(), "deleting job failed", "job_id", id, "error", err)
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "delete_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, deleteResponse{Deleted: true})
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNotFound) {
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: err})
		return
	}
	WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "lookup_failed", Err: err})
}
