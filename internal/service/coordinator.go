package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/log"
	"github.com/CZERTAINLY/Surveyor/internal/model"
	"github.com/CZERTAINLY/Surveyor/internal/pipeline"
	"github.com/CZERTAINLY/Surveyor/internal/store"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("coordinator closed")

const (
	defaultBuffer = 64
	// upper bound Cancel waits for a context to stop before the artifacts
	// are removed
	defaultCancelGrace = 5 * time.Second
)

// Pipeline runs the whole work of a single job.
type Pipeline interface {
	Run(ctx context.Context, jobID, hostname, workDir string) iter.Seq[pipeline.Event]
}

// Observer is called on every status change of a job. It is called with the
// table locked and must not call back into the Coordinator.
type Observer func(id string, status model.JobStatus)

type Option func(*Coordinator)

func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// WithBuffer sets the capacity of the event channel of every job.
func WithBuffer(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.buffer = n
		}
	}
}

func WithCancelGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		c.cancelGrace = d
	}
}

type entry struct {
	job    model.Job
	cancel context.CancelFunc
	// closed when the execution context has exited
	exited chan struct{}
}

type Coordinator struct {
	pipeline    Pipeline
	store       *store.Store
	observer    Observer
	buffer      int
	cancelGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mx     sync.RWMutex
	jobs   map[string]*entry
	closed bool
	wg     sync.WaitGroup
}

func NewCoordinator(p Pipeline, s *store.Store, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		pipeline:    p,
		store:       s,
		buffer:      defaultBuffer,
		cancelGrace: defaultCancelGrace,
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit registers a new job for hostname and starts it. It returns as soon
// as the job runs.
func (c *Coordinator) Submit(ctx context.Context, hostname string) (string, error) {
	if err := model.ValidateHostname(hostname); err != nil {
		return "", err
	}

	id := uuid.NewString()
	dir, err := c.store.JobDir(id)
	if err != nil {
		return "", fmt.Errorf("job dir: %w", err)
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return "", ErrClosed
	}

	now := time.Now().UTC()
	e := &entry{
		job: model.Job{
			ID:        id,
			Hostname:  hostname,
			Status:    model.JobQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
		exited: make(chan struct{}),
	}
	c.jobs[id] = e
	c.notify(id, model.JobQueued)

	jobCtx, cancel := context.WithCancel(log.ContextAttrs(c.ctx,
		slog.String("job_id", id),
		slog.String("hostname", hostname),
	))
	e.cancel = cancel
	events := make(chan pipeline.Event, c.buffer)

	c.wg.Go(func() {
		defer close(e.exited)
		c.execute(jobCtx, id, hostname, dir, events)
	})
	c.wg.Go(func() {
		defer cancel()
		c.relay(jobCtx, id, events)
	})

	c.transition(e, model.JobRunning)
	slog.InfoContext(jobCtx, "job submitted")
	return id, nil
}

// execute is the isolated execution context of a job.
func (c *Coordinator) execute(ctx context.Context, id, hostname, dir string, out chan<- pipeline.Event) {
	defer close(out)
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "job execution panicked", "panic", fmt.Sprint(p))
		}
	}()

	for ev := range c.pipeline.Run(ctx, id, hostname, dir) {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// relay applies the events of a job in the order they were sent.
func (c *Coordinator) relay(ctx context.Context, id string, in <-chan pipeline.Event) {
	terminal := false
	for ev := range in {
		if terminal {
			slog.WarnContext(ctx, "event after terminal event: ignoring", "event", fmt.Sprintf("%T", ev))
			continue
		}
		switch e := ev.(type) {
		case pipeline.LogEvent:
			if !c.known(id) {
				continue
			}
			slog.Default().LogAttrs(ctx, e.Level, e.Message, e.Attrs...)
		case pipeline.DoneEvent:
			terminal = true
			result := e.Result
			c.finish(ctx, id, model.JobDone, "", &result)
		case pipeline.ErrorEvent:
			terminal = true
			c.finish(ctx, id, model.JobFailed, e.Detail, nil)
		default:
			slog.WarnContext(ctx, "unknown event: ignoring", "event", fmt.Sprintf("%T", ev))
		}
	}
	if !terminal {
		c.finish(ctx, id, model.JobFailed, model.ErrUnexpectedTermination.Error(), nil)
	}
}

func (c *Coordinator) finish(ctx context.Context, id string, status model.JobStatus, detail string, result *model.PipelineResult) {
	c.mx.Lock()
	defer c.mx.Unlock()
	e, ok := c.jobs[id]
	if !ok {
		slog.DebugContext(ctx, "job removed: discarding outcome", "status", status)
		return
	}
	if !c.transition(e, status) {
		return
	}
	e.job.Error = detail
	e.job.Result = result
	if status == model.JobFailed {
		slog.WarnContext(ctx, "job failed", "error", detail)
	} else {
		slog.InfoContext(ctx, "job done")
	}
}

// transition must be called with the table locked.
func (c *Coordinator) transition(e *entry, next model.JobStatus) bool {
	if !e.job.Status.CanTransition(next) {
		slog.WarnContext(c.ctx, "invalid job transition: ignoring",
			"job_id", e.job.ID,
			"error", fmt.Errorf("%s -> %s: %w", e.job.Status, next, model.ErrInvalidTransition),
		)
		return false
	}
	e.job.Status = next
	e.job.UpdatedAt = time.Now().UTC()
	c.notify(e.job.ID, next)
	return true
}

func (c *Coordinator) notify(id string, status model.JobStatus) {
	if c.observer != nil {
		c.observer(id, status)
	}
}

func (c *Coordinator) known(id string) bool {
	c.mx.RLock()
	defer c.mx.RUnlock()
	_, ok := c.jobs[id]
	return ok
}

// Status returns a snapshot of the job. Jobs outside of the table are read
// from the persisted metadata, model.ErrNotFound is returned when there is
// none.
func (c *Coordinator) Status(_ context.Context, id string) (model.Job, error) {
	c.mx.RLock()
	e, ok := c.jobs[id]
	var job model.Job
	if ok {
		job = e.job
	}
	c.mx.RUnlock()
	if ok {
		return job, nil
	}
	return c.persisted(id)
}

func (c *Coordinator) persisted(id string) (model.Job, error) {
	meta, err := c.store.ReadMetadata(id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Job{}, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
		}
		return model.Job{}, fmt.Errorf("job %s: reading metadata: %w", id, err)
	}
	job := model.Job{
		ID:        id,
		Hostname:  meta.Hostname,
		Status:    meta.Status,
		Error:     meta.Error,
		CreatedAt: meta.StartedAt,
		UpdatedAt: meta.FinishedAt,
	}
	if result, err := c.store.ReadResult(id); err == nil {
		job.Result = &result
	} else {
		slog.Debug("job result not available", "job_id", id, "error", err)
	}
	return job, nil
}

// Jobs returns the snapshots of all jobs in the table, oldest first.
func (c *Coordinator) Jobs() []model.Job {
	c.mx.RLock()
	ret := make([]model.Job, 0, len(c.jobs))
	for _, e := range c.jobs {
		ret = append(ret, e.job)
	}
	c.mx.RUnlock()

	slices.SortFunc(ret, func(a, b model.Job) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return ret
}

// Cancel stops the job if it still runs, forgets it and removes its
// artifacts. It reports whether there was anything to cancel.
func (c *Coordinator) Cancel(ctx context.Context, id string) (bool, error) {
	c.mx.Lock()
	e, ok := c.jobs[id]
	if ok {
		e.cancel()
		delete(c.jobs, id)
	}
	c.mx.Unlock()

	if ok {
		select {
		case <-e.exited:
		case <-time.After(c.cancelGrace):
			slog.WarnContext(ctx, "job did not stop in time: removing artifacts anyway", "job_id", id)
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}

	existed := ok || c.store.Exists(id)
	if err := c.store.Remove(id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return existed, err
	}
	if existed {
		slog.InfoContext(ctx, "job cancelled", "job_id", id)
	}
	return existed, nil
}

// Close cancels all running jobs and waits until their goroutines exit.
func (c *Coordinator) Close() {
	c.mx.Lock()
	c.closed = true
	c.mx.Unlock()

	c.cancel()
	c.wg.Wait()
}
