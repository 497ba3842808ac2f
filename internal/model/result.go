package model

import (
	"time"
)

// StageOutcome is the result category of a single pipeline stage.
type StageOutcome string

const (
	StageSucceeded      StageOutcome = "succeeded"
	StageFailedNonFatal StageOutcome = "failed-nonfatal"
	StageTimedOut       StageOutcome = "timed-out"
)

// StageRecord is emitted for every stage, failed ones included.
type StageRecord struct {
	Name     string        `json:"name"`
	Position int           `json:"position"`
	Command  string        `json:"command,omitempty"`
	Args     []string      `json:"args,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Outcome  StageOutcome  `json:"outcome"`
	Elapsed  time.Duration `json:"elapsed"`
	Detail   string        `json:"detail,omitempty"`
	Output   string        `json:"output,omitempty"`
}

// ProbeRecord is one parsed line of the probe output. Lines which
// could not be parsed keep the raw text in Raw and set ParseError.
type ProbeRecord struct {
	Line          int      `json:"line"`
	URL           string   `json:"url,omitempty"`
	Input         string   `json:"input,omitempty"`
	Host          string   `json:"host,omitempty"`
	StatusCode    int      `json:"status_code,omitempty"`
	Title         string   `json:"title,omitempty"`
	WebServer     string   `json:"webserver,omitempty"`
	ContentLength int      `json:"content_length,omitempty"`
	Tech          []string `json:"tech,omitempty"`
	ParseError    string   `json:"parse_error,omitempty"`
	Raw           string   `json:"raw,omitempty"`
}

func (r ProbeRecord) Malformed() bool {
	return r.ParseError != ""
}

// PipelineResult is the final document of one pipeline run.
type PipelineResult struct {
	JobID      string        `json:"job_id"`
	Hostname   string        `json:"hostname"`
	Stages     []StageRecord `json:"stages"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Targets    []string      `json:"targets"`
	Records    []ProbeRecord `json:"records"`
}

// StageTiming is the per stage entry of Metadata.
type StageTiming struct {
	Name      string       `json:"name"`
	Outcome   StageOutcome `json:"outcome"`
	ElapsedMS int64        `json:"elapsed_ms"`
}

// Metadata is persisted next to the results and is the source of truth
// for jobs which are no longer kept in memory.
type Metadata struct {
	JobID      string        `json:"job_id"`
	Hostname   string        `json:"hostname"`
	Status     JobStatus     `json:"status"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Stages     []StageTiming `json:"stages"`
	Targets    int           `json:"targets"`
	Records    int           `json:"records"`
}

func NewMetadata(r PipelineResult) Metadata {
	stages := make([]StageTiming, 0, len(r.Stages))
	for _, s := range r.Stages {
		stages = append(stages, StageTiming{
			Name:      s.Name,
			Outcome:   s.Outcome,
			ElapsedMS: s.Elapsed.Milliseconds(),
		})
	}
	return Metadata{
		JobID:      r.JobID,
		Hostname:   r.Hostname,
		Status:     JobDone,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Stages:     stages,
		Targets:    len(r.Targets),
		Records:    len(r.Records),
	}
}
