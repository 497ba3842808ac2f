// Package invoke runs a single external tool invocation.
//
// Invoke is a thin, opinionated wrapper around os/exec:
//   - arguments are always a literal list, there is no shell in between
//   - stdout and stderr are captured into buffers
//   - stderr lines can be streamed to a callback while the tool runs
//   - the process gets killed once the timeout elapses
//
// Exactly one attempt is made per call. Deciding whether a failure is fatal
// is up to the caller.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

var (
	ErrTimeout      = errors.New("timeout")
	ErrNonZeroExit  = errors.New("non-zero exit")
	ErrNotInstalled = errors.New("tool not installed")
)

// waitDelay bounds how long Wait keeps reading the pipes of a killed process
// whose children still hold them open.
const waitDelay = 2 * time.Second

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string // nil inherits the environment of the current process
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	Stdout   *bytes.Buffer
	Stderr   *bytes.Buffer
}

func (r Result) Elapsed() time.Duration {
	return r.Stopped.Sub(r.Started)
}

// TimeoutError is returned when the process was killed on timeout.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("killed after %s: %s", e.Elapsed.Round(time.Millisecond), ErrTimeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ExitError is returned for a non-zero exit. Stderr holds the tail of the
// diagnostic output.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return fmt.Sprintf("exit code %d: %s", e.Code, e.Stderr)
}

func (e *ExitError) Is(target error) bool {
	return target == ErrNonZeroExit
}

// Invoke starts the command, waits for it to finish and returns the captured
// output. The returned Result is filled even on error.
func Invoke(ctx context.Context, proto Command, stderrFunc StderrFunc) (Result, error) {
	result := Result{
		Path:   proto.Path,
		Args:   append([]string(nil), proto.Args...),
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}

	path, err := exec.LookPath(proto.Path)
	if err != nil {
		now := time.Now().UTC()
		result.Started, result.Stopped = now, now
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w: %w", proto.Path, ErrNotInstalled, err)
	}

	runCtx := ctx
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, path, result.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay
	cmd.Stdout = result.Stdout
	cmd.Stderr = &lineWriter{ctx: ctx, buf: result.Stderr, fn: stderrFunc}

	result.Started = time.Now().UTC()
	err = cmd.Run()
	result.Stopped = time.Now().UTC()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		result.ExitCode = -1
	}
	if lw, ok := cmd.Stderr.(*lineWriter); ok {
		lw.flush()
	}

	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		return result, fmt.Errorf("%s: %w", proto.Path, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return result, &TimeoutError{Elapsed: result.Elapsed()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, &ExitError{Code: exitErr.ExitCode(), Stderr: tail(result.Stderr.String(), 512)}
	}
	return result, fmt.Errorf("running %s: %w", proto.Path, err)
}

// lineWriter copies everything into buf and calls fn for every complete line.
type lineWriter struct {
	ctx     context.Context
	buf     *bytes.Buffer
	fn      StderrFunc
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n, _ := w.buf.Write(p)
	if w.fn == nil {
		return n, nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	return n, nil
}

func (w *lineWriter) flush() {
	if w.fn != nil && len(w.partial) > 0 {
		w.fn(w.ctx, string(w.partial))
		w.partial = nil
	}
}

func tail(s string, n int) string {
	s = string(bytes.TrimSpace([]byte(s)))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
