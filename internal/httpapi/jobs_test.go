package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/httpapi"
	"github.com/CZERTAINLY/Surveyor/internal/model"
	"github.com/CZERTAINLY/Surveyor/internal/pipeline"
	"github.com/CZERTAINLY/Surveyor/internal/service"
	"github.com/CZERTAINLY/Surveyor/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	submitted []string
	submitErr error
	jobs      map[string]model.Job
	cancelErr error
	cancelled []string
}

func (f *fakeJobs) Submit(_ context.Context, hostname string) (string, error) {
	if err := model.ValidateHostname(hostname); err != nil {
		return "", err
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, hostname)
	return "4a3b5c1e-8f5e-4d8e-9b53-2b9b2f0c6a11", nil
}

func (f *fakeJobs) Status(_ context.Context, id string) (model.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return job, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) (bool, error) {
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	_, ok := f.jobs[id]
	return ok, nil
}

func (f *fakeJobs) Jobs() []model.Job {
	ret := []model.Job{}
	for _, j := range f.jobs {
		ret = append(ret, j)
	}
	return ret
}

func newAPI(t *testing.T, jobs *fakeJobs) (http.Handler, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	return httpapi.NewRouter(&httpapi.JobHandlers{Svc: jobs, Store: s}), s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequestWithContext(t.Context(), method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h, _ := newAPI(t, &fakeJobs{})
	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]bool{"ok": true}, decode[map[string]bool](t, rec))
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		err      error
		code     int
		then     string
	}{
		{"ok", `{"target":"example.test"}`, nil, http.StatusOK, ""},
		{"normalized", `{"target":"  Example.TEST "}`, nil, http.StatusOK, ""},
		{"invalid target", `{"target":"example"}`, nil, http.StatusBadRequest, "invalid_target"},
		{"injection", `{"target":"example.test; rm -rf /"}`, nil, http.StatusBadRequest, "invalid_target"},
		{"missing target", `{}`, nil, http.StatusBadRequest, "invalid_target"},
		{"invalid json", `{"target":`, nil, http.StatusBadRequest, "invalid_json"},
		{"unknown field", `{"target":"example.test","x":1}`, nil, http.StatusBadRequest, "invalid_json"},
		{"closed", `{"target":"example.test"}`, service.ErrClosed, http.StatusServiceUnavailable, "shutting_down"},
		{"internal", `{"target":"example.test"}`, errors.New("boom"), http.StatusInternalServerError, "submit_failed"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			jobs := &fakeJobs{submitErr: tc.err}
			h, _ := newAPI(t, jobs)
			rec := do(t, h, http.MethodPost, "/api/jobs", tc.given)
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
			body := decode[map[string]string](t, rec)
			if tc.then != "" {
				require.Equal(t, tc.then, body["error"])
				require.NotEmpty(t, body["message"])
				return
			}
			require.Equal(t, "4a3b5c1e-8f5e-4d8e-9b53-2b9b2f0c6a11", body["jobId"])
			require.Equal(t, []string{"example.test"}, jobs.submitted)
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	id := uuid.NewString()
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	jobs := &fakeJobs{jobs: map[string]model.Job{
		id: {
			ID:        id,
			Hostname:  "example.test",
			Status:    model.JobDone,
			Result:    &model.PipelineResult{JobID: id, Targets: []string{"a.example.test"}},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}}
	h, _ := newAPI(t, jobs)

	t.Run("found", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/jobs/"+id, "")
		require.Equal(t, http.StatusOK, rec.Code)
		job := decode[model.Job](t, rec)
		require.Equal(t, model.JobDone, job.Status)
		require.Empty(t, job.Error)
		require.NotNil(t, job.Result)
		require.Equal(t, []string{"a.example.test"}, job.Result.Targets)
	})
	t.Run("not found", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/jobs/"+uuid.NewString(), "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "not_found", decode[map[string]string](t, rec)["error"])
	})
	t.Run("list", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/jobs", "")
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[[]model.Job](t, rec)
		require.Len(t, list, 1)
		require.Equal(t, id, list[0].ID)
	})
}

func TestDownload(t *testing.T) {
	t.Parallel()
	h, s := newAPI(t, &fakeJobs{})
	id := uuid.NewString()
	dir, err := s.JobDir(id)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, store.ReportFile), []byte("Job: "+id+"\n"), 0o644))

	t.Run("found", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/jobs/"+id+"/download", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "Job: "+id+"\n", rec.Body.String())
		require.Equal(t, `attachment; filename="`+id+`-results.txt"`, rec.Header().Get("Content-Disposition"))
		require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	})
	t.Run("unknown job", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/jobs/"+uuid.NewString()+"/download", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("not an id", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/jobs/..%2F..%2Fetc/download", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDelete(t *testing.T) {
	t.Parallel()
	id := uuid.NewString()

	t.Run("ok", func(t *testing.T) {
		jobs := &fakeJobs{jobs: map[string]model.Job{id: {ID: id}}}
		h, _ := newAPI(t, jobs)
		rec := do(t, h, http.MethodDelete, "/api/jobs/"+id, "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, map[string]bool{"deleted": true}, decode[map[string]bool](t, rec))
		require.Equal(t, []string{id}, jobs.cancelled)
	})
	t.Run("failure", func(t *testing.T) {
		h, _ := newAPI(t, &fakeJobs{cancelErr: errors.New("permission denied")})
		rec := do(t, h, http.MethodDelete, "/api/jobs/"+id, "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Equal(t, "delete_failed", decode[map[string]string](t, rec)["error"])
	})
}

// the API on top of a real coordinator
func TestRouter_Coordinator(t *testing.T) {
	t.Parallel()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	const missing = "surveyor-tool-does-not-exist"
	tool := model.Tool{Binary: missing, Timeout: time.Second}
	runner := pipeline.NewRunner(pipeline.DefaultStages(model.Pipeline{Subfinder: tool, Assetfinder: tool, Httpx: tool}))
	c := service.NewCoordinator(runner, s)
	t.Cleanup(c.Close)
	h := httpapi.NewRouter(&httpapi.JobHandlers{Svc: c, Store: s})

	rec := do(t, h, http.MethodPost, "/api/jobs", `{"target":"example.test"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[map[string]string](t, rec)["jobId"]

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/jobs/"+id, "")
		var job model.Job
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &job) != nil {
			return false
		}
		return job.Status == model.JobDone
	}, 5*time.Second, 10*time.Millisecond)

	rec = do(t, h, http.MethodGet, "/api/jobs/"+id+"/download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Target:   example.test")

	rec = do(t, h, http.MethodDelete, "/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/jobs/"+id, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
