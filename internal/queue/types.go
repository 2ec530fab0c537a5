package queue

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a queued job.
//
// Transitions: pending -> in_flight -> done | pending (retry) | dead.
// A job only ever leaves the table through PruneTerminal after reaching a
// terminal status; it is never silently dropped.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusDead     Status = "dead"
)

// Job is a durably persisted unit of deferred work.
type Job struct {
	// ID is the unique job identifier.
	ID string

	// Kind selects the registered handler.
	Kind string

	// Payload is the handler's input, serialised by the enqueuer.
	Payload []byte

	// Status is the current lifecycle state.
	Status Status

	// Attempts counts handler invocations; it increases monotonically.
	Attempts int

	// AvailableAt is the earliest time a worker may claim the job.
	AvailableAt time.Time

	// EnqueuedAt is when the job was accepted.
	EnqueuedAt time.Time

	// UpdatedAt is when the job last changed state.
	UpdatedAt time.Time

	// LastError records the most recent handler failure, if any.
	LastError string
}

// Handler processes one job. Returning nil marks the job done; returning an
// error schedules a retry until the attempt budget is spent, after which the
// job is dead-lettered.
type Handler func(ctx context.Context, job Job) error
