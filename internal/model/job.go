package model

import (
	"fmt"
	"regexp"
	"time"
)

// JobStatus is the lifecycle state of a reconnaissance job.
//
//	queued -> running -> done
//	               \---> failed
//
// done and failed are terminal. A cancelled job is not a status, its
// table entry simply ceases to exist.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// CanTransition reports whether s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobFailed
	case JobRunning:
		return next == JobDone || next == JobFailed
	default:
		return false
	}
}

// Job is a point in time snapshot of a job table entry.
type Job struct {
	ID        string          `json:"id"`
	Hostname  string          `json:"hostname"`
	Status    JobStatus       `json:"status"`
	Error     string          `json:"error,omitempty"`
	Result    *PipelineResult `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const maxHostnameLen = 253

var hostnameRx = regexp.MustCompile(`^[a-z0-9-]+(\.[a-z0-9-]+)+$`)

// ValidateHostname checks the structural shape of a hostname: lowercase
// letters, digits, hyphens and at least one dot, no empty labels.
func ValidateHostname(hostname string) error {
	if hostname == "" || len(hostname) > maxHostnameLen || !hostnameRx.MatchString(hostname) {
		return fmt.Errorf("%q: %w", hostname, ErrInvalidHostname)
	}
	return nil
}
