package httpapi_test

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Surveyor/internal/httpapi"
	"github.com/CZERTAINLY/Surveyor/internal/model"

	"github.com/stretchr/testify/require"
)

type probeStatus struct {
	State   string              `json:"state"`
	Base    string              `json:"base"`
	Total   int                 `json:"total"`
	Done    int                 `json:"done"`
	Counts  map[model.Class]int `json:"counts"`
	Summary *model.FetchSummary `json:"summary"`
	Help    string              `json:"help"`
}

func TestProbeRouter(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "probe.jsonl")
	status := httpapi.NewProbeStatus("https://example.test", 3)
	h := httpapi.NewProbeRouter(status, path)

	t.Run("no results yet", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/results", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("running", func(t *testing.T) {
		status.Record(model.FetchResult{Index: 0, Class: model.ClassOK})
		status.Record(model.FetchResult{Index: 2, Class: model.ClassError, Detail: "timeout"})
		rec := do(t, h, http.MethodGet, "/", "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[probeStatus](t, rec)
		require.Equal(t, "running", got.State)
		require.Equal(t, "https://example.test", got.Base)
		require.Equal(t, 3, got.Total)
		require.Equal(t, 2, got.Done)
		require.Equal(t, 1, got.Counts[model.ClassOK])
		require.Equal(t, 0, got.Counts[model.ClassRedirect])
		require.Nil(t, got.Summary)
		require.Contains(t, got.Help, "/results")
	})

	t.Run("finished", func(t *testing.T) {
		status.Record(model.FetchResult{Index: 1, Class: model.ClassClientError})
		status.Finish(model.Summarize([]model.FetchResult{
			{Class: model.ClassOK}, {Class: model.ClassClientError}, {Class: model.ClassError},
		}))
		got := decode[probeStatus](t, do(t, h, http.MethodGet, "/", ""))
		require.Equal(t, "finished", got.State)
		require.Equal(t, 3, got.Done)
		require.NotNil(t, got.Summary)
		require.Equal(t, 3, got.Summary.Total)
	})

	t.Run("results", func(t *testing.T) {
		const body = `{"index":0,"target":"https://example.test/a","class":"OK","elapsed":1}` + "\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		rec := do(t, h, http.MethodGet, "/results", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, body, rec.Body.String())
		require.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
		require.Equal(t, `attachment; filename="probe.jsonl"`, rec.Header().Get("Content-Disposition"))
	})
}
