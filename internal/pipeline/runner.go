// Package pipeline runs the recon pipeline of a single job.
//
// The pipeline is a fixed, ordered table of stages (see DefaultStages).
// Tool stages invoke an external binary through the invoke package, the
// other stages run in process. Stages run strictly one after another.
//
// Failure policy:
//   - a failing tool (missing binary, non-zero exit, timeout) is logged and
//     its output is treated as absent, the pipeline continues
//   - every stage produces a model.StageRecord, failed ones included
//   - only structural failures end the run early: the working directory
//     can't be created, a stage panics or the context is cancelled. When the
//     directory exists, a metadata document with status failed is left in it
//
// Run returns the lifecycle of a run as a finite iterator of events. The
// last event is either a DoneEvent carrying the model.PipelineResult or an
// ErrorEvent, nothing follows it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/invoke"
	"github.com/CZERTAINLY/Surveyor/internal/log"
	"github.com/CZERTAINLY/Surveyor/internal/model"
)

type Runner struct {
	stages []Stage
}

func NewRunner(stages []Stage) *Runner {
	return &Runner{stages: slices.Clone(stages)}
}

func (r *Runner) Stages() []Stage {
	return slices.Clone(r.stages)
}

// Run executes all stages for hostname inside workDir. The returned
// iterator can be consumed once.
func (r *Runner) Run(ctx context.Context, jobID, hostname, workDir string) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		st, err := newState(jobID, hostname, workDir)
		if err != nil {
			yield(ErrorEvent{Detail: err.Error()})
			return
		}
		defer st.close()

		if !yield(LogEvent{
			Level:   slog.LevelInfo,
			Message: "pipeline started",
			Attrs:   []slog.Attr{slog.Int("stages", len(r.stages)), slog.String("dir", workDir)},
		}) {
			return
		}

		for pos, stage := range r.stages {
			if err := ctx.Err(); err != nil {
				for _, ev := range st.failed("pipeline canceled: " + err.Error()) {
					if !yield(ev) {
						return
					}
				}
				return
			}

			rec, err := r.runStage(ctx, st, pos, stage)
			for _, ev := range st.drain() {
				if !yield(ev) {
					return
				}
			}
			if err != nil {
				for _, ev := range st.failed(err.Error()) {
					if !yield(ev) {
						return
					}
				}
				return
			}
			if st.final != nil {
				// the stage persisted a result which holds its own record
				rec = st.final.Stages[len(st.final.Stages)-1]
			}
			st.stages = append(st.stages, rec)
			if !yield(stageEvent(rec)) {
				return
			}
		}

		result := st.snapshot()
		if st.final != nil {
			result = *st.final
		}
		yield(DoneEvent{Result: result})
	}
}

func (r *Runner) runStage(ctx context.Context, st *state, pos int, stage Stage) (rec model.StageRecord, err error) {
	ctx = log.ContextAttrs(ctx, slog.String("stage", stage.Name))
	start := time.Now()
	st.stage = stage
	st.pos = pos
	st.stageStart = start
	st.final = nil
	rec = model.StageRecord{
		Name:     stage.Name,
		Position: pos,
	}

	defer func() {
		rec.Elapsed = time.Since(start)
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %s: internal error: %v", stage.Name, p)
		}
	}()

	if stage.IsTool() {
		rec.Outcome, rec.Detail = r.runTool(ctx, st, stage, &rec)
	} else {
		rec.Outcome, rec.Detail = stage.step(ctx, st)
	}
	if rec.Outcome == model.StageSucceeded && stage.Output != "" && st.present[stage.Output] {
		rec.Output = stage.Output
	}
	return rec, nil
}

func (r *Runner) runTool(ctx context.Context, st *state, stage Stage, rec *model.StageRecord) (model.StageOutcome, string) {
	rec.Command = stage.Tool.Binary
	rec.Timeout = stage.Tool.Timeout

	if stage.Input != "" && !st.inputReady(stage.Input) {
		st.log(slog.LevelWarn, "stage skipped: input absent", slog.String("stage", stage.Name), slog.String("artifact", stage.Input))
		return model.StageFailedNonFatal, "no input: " + stage.Input
	}

	args := stage.expandArgs(
		st.hostname,
		filepath.Join(st.dir, stage.Input),
		filepath.Join(st.dir, stage.Output),
	)
	rec.Args = args

	res, err := invoke.Invoke(ctx, invoke.Command{
		Path:    stage.Tool.Binary,
		Args:    args,
		Dir:     st.dir,
		Timeout: stage.Tool.Timeout,
	}, toolStderr)
	if err != nil {
		outcome := model.StageFailedNonFatal
		if errors.Is(err, invoke.ErrTimeout) {
			outcome = model.StageTimedOut
		}
		st.log(slog.LevelWarn, "stage failed: continuing",
			slog.String("stage", stage.Name),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
		return outcome, err.Error()
	}

	switch {
	case stage.Output == "":
	case stage.Capture:
		if err := st.writeFile(stage.Output, res.Stdout.Bytes()); err != nil {
			return model.StageFailedNonFatal, err.Error()
		}
	default:
		if _, err := st.root.Stat(stage.Output); err != nil {
			st.log(slog.LevelInfo, "tool produced no output", slog.String("stage", stage.Name), slog.String("artifact", stage.Output))
		} else {
			st.present[stage.Output] = true
		}
	}
	st.log(slog.LevelDebug, "tool finished", slog.String("stage", stage.Name), slog.Duration("elapsed", res.Elapsed()))
	return model.StageSucceeded, ""
}

func toolStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "tool stderr", "line", line)
}

func stageEvent(rec model.StageRecord) LogEvent {
	level := slog.LevelInfo
	if rec.Outcome != model.StageSucceeded {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("stage", rec.Name),
		slog.String("outcome", string(rec.Outcome)),
		slog.Duration("elapsed", rec.Elapsed),
	}
	if rec.Detail != "" {
		attrs = append(attrs, slog.String("detail", rec.Detail))
	}
	return LogEvent{Level: level, Message: "stage finished", Attrs: attrs}
}

// state is owned by a single Run.
type state struct {
	jobID    string
	hostname string
	dir      string
	root     *os.Root
	started  time.Time

	stage      Stage
	pos        int
	stageStart time.Time
	// result persisted by the current stage, when it did so
	final *model.PipelineResult

	present map[string]bool
	stages  []model.StageRecord
	targets []string
	records []model.ProbeRecord
	pending []Event
}

func newState(jobID, hostname, dir string) (*state, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening working directory: %w", err)
	}
	return &state{
		jobID:    jobID,
		hostname: hostname,
		dir:      dir,
		root:     root,
		started:  time.Now().UTC(),
		present:  make(map[string]bool),
		targets:  []string{},
		records:  []model.ProbeRecord{},
	}, nil
}

func (st *state) close() {
	_ = st.root.Close()
}

func (st *state) log(level slog.Level, msg string, attrs ...slog.Attr) {
	st.pending = append(st.pending, LogEvent{Level: level, Message: msg, Attrs: attrs})
}

func (st *state) drain() []Event {
	ret := st.pending
	st.pending = nil
	return ret
}

// inputReady reports whether an earlier stage produced a non-empty artifact.
func (st *state) inputReady(name string) bool {
	if !st.present[name] {
		return false
	}
	info, err := st.root.Stat(name)
	return err == nil && info.Size() > 0
}

func (st *state) writeFile(name string, b []byte) error {
	f, err := st.root.Create(name)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	st.present[name] = true
	return nil
}

func (st *state) snapshot() model.PipelineResult {
	return model.PipelineResult{
		JobID:      st.jobID,
		Hostname:   st.hostname,
		Stages:     slices.Clone(st.stages),
		StartedAt:  st.started,
		FinishedAt: time.Now().UTC(),
		Targets:    slices.Clone(st.targets),
		Records:    slices.Clone(st.records),
	}
}
