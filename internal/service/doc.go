// Package service implements the job coordinator.
//
// Overview
// The Coordinator owns a table of jobs keyed by an opaque id. Submit validates
// the hostname, records the job as queued, starts an isolated execution
// context for it and marks it running. The caller gets the id back at once.
//
// An isolated execution context is a goroutine running the Pipeline with its
// own cancellable context. A panic inside it is contained and never reaches
// the coordinator. The context talks to the coordinator only through an
// ordered, buffered channel of pipeline.Event values.
//
// Data flow:
//
//	Coordinator            context{id}              relay{id}
//	    |                      |                        |
//	Submit -> queued           |                        |
//	    | go execute() ------->| Pipeline.Run()         |
//	    | go relay() ----------|----------------------->|
//	    |  running             |--- LogEvent ---------->| slog
//	    |                      |--- DoneEvent --------->|
//	    |<----------------------- done + result --------|
//	    |                      | close(chan)            |
//
// Invariants:
//   - Status moves queued -> running -> done|failed and never goes back.
//   - At most one execution context per job.
//   - A context which ends without a terminal event fails its job with
//     model.ErrUnexpectedTermination.
//   - Events of a cancelled job are dropped, its entry no longer exists.
//   - Jobs which are not in the table are answered from the metadata
//     persisted by the pipeline.
package service
