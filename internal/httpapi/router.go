package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the job API.
//
//	POST   /api/jobs                {"target": "example.test"} -> {"jobId": "..."}
//	GET    /api/jobs                list of jobs
//	GET    /api/jobs/{id}           job status and result
//	GET    /api/jobs/{id}/download  results.txt as an attachment
//	DELETE /api/jobs/{id}           cancel the job and remove its artifacts
//	GET    /health                  {"ok": true}
func NewRouter(h *JobHandlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, requestLog)

	r.Get("/health", health)
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/", h.List)
		r.Get("/{id}", h.Status)
		r.Get("/{id}/download", h.Download)
		r.Delete("/{id}", h.Delete)
	})
	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
		)
	})
}
