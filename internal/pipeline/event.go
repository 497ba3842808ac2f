package pipeline

import (
	"log/slog"

	"github.com/CZERTAINLY/Surveyor/internal/model"
)

// Event is a lifecycle message of a pipeline run. It is one of LogEvent,
// DoneEvent or ErrorEvent. A run emits any number of LogEvents followed by
// exactly one DoneEvent or ErrorEvent.
type Event interface {
	event()
}

type LogEvent struct {
	Level   slog.Level
	Message string
	Attrs   []slog.Attr
}

type DoneEvent struct {
	Result model.PipelineResult
}

type ErrorEvent struct {
	Detail string
}

func (LogEvent) event()   {}
func (DoneEvent) event()  {}
func (ErrorEvent) event() {}
