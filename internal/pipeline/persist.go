package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/model"
	"github.com/CZERTAINLY/Surveyor/internal/store"
)

type artifact struct {
	name   string
	encode func(model.PipelineResult) ([]byte, error)
}

var artifacts = []artifact{
	{store.ResultsFile, func(r model.PipelineResult) ([]byte, error) { return marshalJSON(r) }},
	{store.ReportFile, func(r model.PipelineResult) ([]byte, error) {
		var buf bytes.Buffer
		err := Render(&buf, r)
		return buf.Bytes(), err
	}},
	{store.MetadataFile, func(r model.PipelineResult) ([]byte, error) { return marshalJSON(model.NewMetadata(r)) }},
}

// persistStep writes the structured results, the human readable report and
// the metadata document. All of them are encoded from one result which
// already contains the record of this stage, the runner reports the very
// same result. Every artifact is attempted, a failing one does not prevent
// the others.
func persistStep(_ context.Context, st *state) (model.StageOutcome, string) {
	written, errs := st.persist(model.StageSucceeded, "", artifacts)
	if len(errs) == 0 {
		return model.StageSucceeded, ""
	}

	detail := errors.Join(errs...).Error()
	// rewrite the artifacts which made it, so they record the failure too
	if _, errs := st.persist(model.StageFailedNonFatal, detail, written); len(errs) != 0 {
		st.log(slog.LevelWarn, "rewriting artifacts failed", slog.String("error", errors.Join(errs...).Error()))
	}
	return model.StageFailedNonFatal, detail
}

// persist finalizes the result with the record of the current stage and
// writes the given artifacts. It returns the written ones and the errors of
// the others.
func (st *state) persist(outcome model.StageOutcome, detail string, list []artifact) ([]artifact, []error) {
	result := st.snapshot()
	result.Stages = append(result.Stages, model.StageRecord{
		Name:     st.stage.Name,
		Position: st.pos,
		Outcome:  outcome,
		Detail:   detail,
		Elapsed:  time.Since(st.stageStart),
	})
	st.final = &result

	var written []artifact
	var errs []error
	for _, a := range list {
		b, err := a.encode(result)
		if err == nil {
			err = st.writeFile(a.name, b)
		}
		if err != nil {
			st.log(slog.LevelWarn, "persisting artifact failed", slog.String("artifact", a.name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", a.name, err))
			continue
		}
		st.log(slog.LevelDebug, "artifact persisted", slog.String("artifact", a.name))
		written = append(written, a)
	}
	return written, errs
}

// failed records a run which ended early in the metadata document, so the
// job is still known as failed once it is no longer held in memory. It
// returns the events which end the run.
func (st *state) failed(detail string) []Event {
	meta := model.NewMetadata(st.snapshot())
	meta.Status = model.JobFailed
	meta.Error = detail

	var events []Event
	b, err := marshalJSON(meta)
	if err == nil {
		err = st.writeFile(store.MetadataFile, b)
	}
	if err != nil {
		events = append(events, LogEvent{
			Level:   slog.LevelWarn,
			Message: "persisting metadata of failed run failed",
			Attrs:   []slog.Attr{slog.String("error", err.Error())},
		})
	}
	return append(events, ErrorEvent{Detail: detail})
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
