package tsdb

import "errors"

var (
	// ErrNotNumeric indicates an event value that cannot be written as a
	// telemetry point.
	ErrNotNumeric = errors.New("tsdb: event value is not numeric")

	// ErrUnhealthy indicates the telemetry store failed its health check.
	ErrUnhealthy = errors.New("tsdb: server unhealthy")
)
