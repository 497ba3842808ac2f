// Package fetch probes a list of paths below a base URL with a bounded
// number of workers.
//
// Every suffix becomes a model.FetchTask. Workers claim tasks from a shared
// cursor, issue one GET with its own timeout, classify the outcome and
// append the model.FetchResult to memory and to a durable Sink before they
// claim the next task. Every task yields exactly one result, a network
// failure is a result of class ERROR, never an error of Run.
package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/model"
	"github.com/CZERTAINLY/Surveyor/internal/parallel"
)

const (
	defaultDelay   = 50 * time.Millisecond
	defaultTimeout = 10 * time.Second
	maxDrain       = 1 << 20
)

type Option func(*Pool)

// WithDelay sets the pause of a worker after each task.
func WithDelay(d time.Duration) Option {
	return func(p *Pool) {
		p.delay = max(0, d)
	}
}

// WithObserver registers a function called for every result once it has
// been recorded. Calls are serialized.
func WithObserver(fn func(model.FetchResult)) Option {
	return func(p *Pool) {
		p.observer = fn
	}
}

type Pool struct {
	client   *http.Client
	sink     Sink
	delay    time.Duration
	observer func(model.FetchResult)
}

// NewPool returns a pool using client and sink. A nil client means
// NewClient, a nil sink discards the results.
func NewPool(client *http.Client, sink Sink, opts ...Option) *Pool {
	if client == nil {
		client = NewClient()
	}
	if sink == nil {
		sink = Discard{}
	}
	p := &Pool{
		client: client,
		sink:   sink,
		delay:  defaultDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewClient returns a client which does not follow redirects, so they can
// be classified.
func NewClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 64
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Tasks resolves every suffix against base.
func Tasks(base string, suffixes []string) []model.FetchTask {
	tasks := make([]model.FetchTask, len(suffixes))
	for i, s := range suffixes {
		tasks[i] = model.FetchTask{Index: i, Suffix: s, Target: Resolve(base, s)}
	}
	return tasks
}

// Run fetches every suffix below base on at most concurrency workers, each
// request limited by timeout. The results are in completion order. A Pool
// can Run any number of times.
func (p *Pool) Run(ctx context.Context, base string, suffixes []string, concurrency int, timeout time.Duration) ([]model.FetchResult, model.FetchSummary) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tasks := Tasks(base, suffixes)
	n := len(tasks)

	var mx sync.Mutex
	results := make([]model.FetchResult, 0, n)
	sinkCtx := context.WithoutCancel(ctx)
	record := func(r model.FetchResult) {
		mx.Lock()
		defer mx.Unlock()
		results = append(results, r)
		if err := p.sink.Append(sinkCtx, r); err != nil {
			slog.WarnContext(ctx, "appending fetch result failed", "index", r.Index, "error", err)
		}
		if p.observer != nil {
			p.observer(r)
		}
	}

	slog.InfoContext(ctx, "fetch started", "base", base, "tasks", n, "concurrency", concurrency, "timeout", timeout)
	claimed := parallel.Each(ctx, n, concurrency, func(ctx context.Context, i int) {
		record(p.fetch(ctx, tasks[i], timeout))
		p.pause(ctx)
	})

	// a cancelled run leaves a suffix of the tasks unclaimed
	for _, task := range tasks[claimed:] {
		record(model.FetchResult{
			Index:  task.Index,
			Target: task.Target,
			Class:  model.ClassError,
			Detail: "error: " + context.Cause(ctx).Error(),
		})
	}

	summary := model.Summarize(results)
	slog.InfoContext(ctx, "fetch finished", "total", summary.Total, "counts", summary.Counts)
	return results, summary
}

func (p *Pool) fetch(ctx context.Context, task model.FetchTask, timeout time.Duration) (ret model.FetchResult) {
	ret = model.FetchResult{Index: task.Index, Target: task.Target}
	start := time.Now()
	defer func() {
		ret.Elapsed = time.Since(start)
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.Target, nil)
	if err != nil {
		ret.Class, ret.Detail = model.ClassError, "error: "+err.Error()
		return ret
	}
	resp, err := p.client.Do(req)
	if err != nil {
		ret.Class, ret.Detail = model.ClassError, errorDetail(err)
		slog.DebugContext(ctx, "fetch failed", "target", task.Target, "detail", ret.Detail)
		return ret
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	ret.StatusCode = resp.StatusCode
	ret.Class = model.ClassifyStatus(resp.StatusCode)
	slog.DebugContext(ctx, "fetched", "target", task.Target, "status", resp.StatusCode)
	return ret
}

func errorDetail(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "error: " + err.Error()
}

func (p *Pool) pause(ctx context.Context) {
	if p.delay <= 0 {
		return
	}
	t := time.NewTimer(p.delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
