package pipeline_test

import (
	"context"
	"encoding/json"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/model"
	"github.com/CZERTAINLY/Surveyor/internal/pipeline"
	"github.com/CZERTAINLY/Surveyor/internal/store"

	"github.com/stretchr/testify/require"
)

const missing = "surveyor-tool-does-not-exist"

func tools(subfinder, assetfinder, httpx string) model.Pipeline {
	return model.Pipeline{
		Subfinder:   model.Tool{Binary: subfinder, Timeout: 5 * time.Second},
		Assetfinder: model.Tool{Binary: assetfinder, Timeout: 5 * time.Second},
		Httpx:       model.Tool{Binary: httpx, Timeout: 5 * time.Second},
	}
}

type collected struct {
	logs     []pipeline.LogEvent
	terminal []pipeline.Event
	total    int
	last     pipeline.Event
}

func collect(t *testing.T, seq iter.Seq[pipeline.Event]) collected {
	t.Helper()
	var c collected
	for ev := range seq {
		c.total++
		c.last = ev
		switch e := ev.(type) {
		case pipeline.LogEvent:
			c.logs = append(c.logs, e)
		case pipeline.DoneEvent, pipeline.ErrorEvent:
			c.terminal = append(c.terminal, e)
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	require.Len(t, c.terminal, 1, "exactly one terminal event")
	require.Equal(t, c.terminal[0], c.last, "terminal event is the last one")
	return c
}

func done(t *testing.T, c collected) model.PipelineResult {
	t.Helper()
	d, ok := c.last.(pipeline.DoneEvent)
	require.Truef(t, ok, "expected done, got %#v", c.last)
	return d.Result
}

func stage(t *testing.T, r model.PipelineResult, name string) model.StageRecord {
	t.Helper()
	for _, s := range r.Stages {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("stage %s not found", name)
	return model.StageRecord{}
}

func TestRun_ToolsMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "job")
	runner := pipeline.NewRunner(pipeline.DefaultStages(tools(missing, missing, missing)))

	c := collect(t, runner.Run(t.Context(), "job-1", "example.test", dir))
	result := done(t, c)

	require.Equal(t, "job-1", result.JobID)
	require.Equal(t, "example.test", result.Hostname)
	require.Len(t, result.Stages, 6)
	for i, s := range result.Stages {
		require.Equal(t, i, s.Position)
	}

	sub := stage(t, result, "subfinder")
	require.Equal(t, model.StageFailedNonFatal, sub.Outcome)
	require.Contains(t, sub.Detail, "tool not installed")
	require.Empty(t, sub.Output)
	require.Equal(t, model.StageFailedNonFatal, stage(t, result, "assetfinder").Outcome)
	require.Equal(t, model.StageSucceeded, stage(t, result, "merge").Outcome)
	httpx := stage(t, result, "httpx")
	require.Equal(t, model.StageFailedNonFatal, httpx.Outcome)
	require.Equal(t, "no input: targets.txt", httpx.Detail)
	require.Equal(t, model.StageSucceeded, stage(t, result, "parse").Outcome)
	require.Equal(t, model.StageSucceeded, stage(t, result, "persist").Outcome)

	require.NotNil(t, result.Targets)
	require.Empty(t, result.Targets)
	require.NotNil(t, result.Records)
	require.Empty(t, result.Records)
	require.False(t, result.FinishedAt.Before(result.StartedAt))

	targets, err := os.ReadFile(filepath.Join(dir, store.TargetsFile))
	require.NoError(t, err)
	require.Empty(t, targets)
	for _, name := range []string{store.ResultsFile, store.ReportFile, store.MetadataFile} {
		require.FileExists(t, filepath.Join(dir, name))
	}
}

func TestRun_FakeTools(t *testing.T) {
	requireShell(t)
	dir := filepath.Join(t.TempDir(), "job")
	runner := pipeline.NewRunner(pipeline.DefaultStages(tools(fakeSubfinder, fakeAssetfinder, fakeHttpx)))

	c := collect(t, runner.Run(t.Context(), "job-2", "example.test", dir))
	result := done(t, c)

	for _, s := range result.Stages {
		require.Equalf(t, model.StageSucceeded, s.Outcome, "stage %s: %s", s.Name, s.Detail)
	}
	require.Equal(t, []string{"api.example.test", "mail.example.test", "www.example.test"}, result.Targets)
	require.Equal(t, store.TargetsFile, stage(t, result, "merge").Output)
	require.Equal(t, store.HttpxFile, stage(t, result, "httpx").Output)

	sub := stage(t, result, "subfinder")
	require.Equal(t, fakeSubfinder, sub.Command)
	require.Equal(t, []string{"-d", "example.test", "-silent", "-o", filepath.Join(dir, store.SubfinderFile)}, sub.Args)

	// 3 probed hosts + 1 garbage line
	require.Len(t, result.Records, 4)
	var malformed []model.ProbeRecord
	for _, r := range result.Records {
		if r.Malformed() {
			malformed = append(malformed, r)
			continue
		}
		require.Equal(t, 200, r.StatusCode)
		require.Equal(t, "https://"+r.Input, r.URL)
	}
	require.Len(t, malformed, 1)
	require.Equal(t, "not json at all", malformed[0].Raw)
	require.Equal(t, 4, malformed[0].Line)

	// persisted documents
	var persisted model.PipelineResult
	b, err := os.ReadFile(filepath.Join(dir, store.ResultsFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &persisted))
	require.Equal(t, result.Targets, persisted.Targets)
	require.Len(t, persisted.Records, 4)

	var meta model.Metadata
	b, err = os.ReadFile(filepath.Join(dir, store.MetadataFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &meta))
	require.Equal(t, "job-2", meta.JobID)
	require.Equal(t, "example.test", meta.Hostname)
	require.Equal(t, 3, meta.Targets)
	require.Equal(t, 4, meta.Records)
	require.Len(t, meta.Stages, 6)
	require.Equal(t, "subfinder", meta.Stages[0].Name)
	require.Equal(t, "persist", meta.Stages[5].Name)
	require.Equal(t, model.JobDone, meta.Status)

	report, err := os.ReadFile(filepath.Join(dir, store.ReportFile))
	require.NoError(t, err)
	require.Contains(t, string(report), "Target:   example.test")
	require.Contains(t, string(report), "https://www.example.test")
	require.Contains(t, string(report), "parse error")
}

func TestRun_StageTimeout(t *testing.T) {
	requireShell(t)
	dir := filepath.Join(t.TempDir(), "job")
	cfg := tools(fakeSlow, fakeAssetfinder, missing)
	cfg.Subfinder.Timeout = 100 * time.Millisecond
	runner := pipeline.NewRunner(pipeline.DefaultStages(cfg))

	c := collect(t, runner.Run(t.Context(), "job-3", "example.test", dir))
	result := done(t, c)

	sub := stage(t, result, "subfinder")
	require.Equal(t, model.StageTimedOut, sub.Outcome)
	require.GreaterOrEqual(t, sub.Elapsed, 100*time.Millisecond)
	require.Less(t, sub.Elapsed, 5*time.Second)
	// assetfinder output alone is merged
	require.Equal(t, []string{"api.example.test", "mail.example.test"}, result.Targets)
}

func TestRun_WorkDirFailure(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	runner := pipeline.NewRunner(pipeline.DefaultStages(tools(missing, missing, missing)))

	c := collect(t, runner.Run(t.Context(), "job-4", "example.test", filepath.Join(file, "job")))
	require.Equal(t, 1, c.total)
	e, ok := c.last.(pipeline.ErrorEvent)
	require.True(t, ok)
	require.Contains(t, e.Detail, "creating working directory")
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	dir := filepath.Join(t.TempDir(), "job")
	runner := pipeline.NewRunner(pipeline.DefaultStages(tools(missing, missing, missing)))

	c := collect(t, runner.Run(ctx, "job-5", "example.test", dir))
	e, ok := c.last.(pipeline.ErrorEvent)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(e.Detail, "pipeline canceled"))

	meta := readJSON[model.Metadata](t, filepath.Join(dir, store.MetadataFile))
	require.Equal(t, "job-5", meta.JobID)
	require.Equal(t, model.JobFailed, meta.Status)
	require.Equal(t, e.Detail, meta.Error)
	require.Empty(t, meta.Stages)
	require.NoFileExists(t, filepath.Join(dir, store.ResultsFile))
}

func TestRun_PersistedEqualsDone(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "job")
	runner := pipeline.NewRunner(pipeline.DefaultStages(tools(missing, missing, missing)))

	c := collect(t, runner.Run(t.Context(), "job-8", "example.test", dir))
	result := done(t, c)

	persisted := readJSON[model.PipelineResult](t, filepath.Join(dir, store.ResultsFile))
	require.Equal(t, result, persisted)

	meta := readJSON[model.Metadata](t, filepath.Join(dir, store.MetadataFile))
	require.Equal(t, model.NewMetadata(result), meta)
	require.Len(t, meta.Stages, len(result.Stages))

	report, err := os.ReadFile(filepath.Join(dir, store.ReportFile))
	require.NoError(t, err)
	require.Contains(t, string(report), "persist")
}

func readJSON[T any](t *testing.T, path string) T {
	t.Helper()
	var v T
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func TestRun_PersistFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "job")
	// a directory in place of results.json makes that one artifact fail
	require.NoError(t, os.MkdirAll(filepath.Join(dir, store.ResultsFile), 0o755))
	runner := pipeline.NewRunner(pipeline.DefaultStages(tools(missing, missing, missing)))

	c := collect(t, runner.Run(t.Context(), "job-6", "example.test", dir))
	result := done(t, c)

	persist := stage(t, result, "persist")
	require.Equal(t, model.StageFailedNonFatal, persist.Outcome)
	require.Contains(t, persist.Detail, store.ResultsFile)
	require.FileExists(t, filepath.Join(dir, store.ReportFile))

	// the surviving artifacts record the failed persist stage as well
	meta := readJSON[model.Metadata](t, filepath.Join(dir, store.MetadataFile))
	require.Equal(t, model.NewMetadata(result), meta)
	require.Equal(t, model.StageFailedNonFatal, meta.Stages[len(meta.Stages)-1].Outcome)
	report, err := os.ReadFile(filepath.Join(dir, store.ReportFile))
	require.NoError(t, err)
	require.Contains(t, string(report), store.ResultsFile+":")
}

func TestRun_StopEarly(t *testing.T) {
	runner := pipeline.NewRunner(pipeline.DefaultStages(tools(missing, missing, missing)))
	n := 0
	for range runner.Run(t.Context(), "job-7", "example.test", filepath.Join(t.TempDir(), "job")) {
		n++
		break
	}
	require.Equal(t, 1, n)
}
