// Package tsdb streams numeric event values into InfluxDB for long-term
// telemetry. The sink is optional and write-only: the SQLite event log
// remains the source of truth, Influx just makes sensor series graphable.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gatelink/internal/event"
	"github.com/nerrad567/gatelink/internal/infrastructure/config"
)

// measurement is the single measurement telemetry points land in.
const measurement = "device_state"

// Logger interface for optional logging support.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Client wraps the InfluxDB v2 client with gatelink's write path.
//
// Writes are batched asynchronously by the underlying write API; Close
// flushes the remaining batch.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   Logger
}

// Connect creates a telemetry client for the configured bucket.
//
// Parameters:
//   - cfg: InfluxDB configuration
//
// Returns:
//   - *Client: Client ready for writes
//   - error: If the configuration is incomplete
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb url, token, org, and bucket are required")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	options := influxdb2.DefaultOptions().
		SetBatchSize(uint(batchSize)).
		SetFlushInterval(uint(flushInterval * 1000))

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options)

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   noopLogger{},
	}

	// Async write failures surface on the errors channel, not per call.
	go func() {
		for err := range c.writeAPI.Errors() {
			c.logger.Error("telemetry write failed", "error", err)
		}
	}()

	return c, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// PublishEvent writes a numeric event value as a telemetry point.
//
// Non-numeric values are skipped silently: switches and locks belong in the
// event log, not the time series.
//
// Parameters:
//   - ctx: Context for cancellation
//   - ev: The event to write
//
// Returns:
//   - error: nil on accepted write or non-numeric skip
func (c *Client) PublishEvent(ctx context.Context, ev *event.NormalizedEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("telemetry write: %w", err)
	}

	point, err := buildPoint(ev)
	if err != nil {
		if errors.Is(err, ErrNotNumeric) {
			return nil
		}
		return err
	}

	c.writeAPI.WritePoint(point)
	return nil
}

// HealthCheck verifies the telemetry store is reachable and ready.
func (c *Client) HealthCheck(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("%w: status %s", ErrUnhealthy, health.Status)
	}
	return nil
}

// Close flushes pending writes and releases the client.
//
// Returns:
//   - error: nil (write errors are delivered via the errors channel)
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// buildPoint converts a numeric event into an InfluxDB point.
func buildPoint(ev *event.NormalizedEvent) (*write.Point, error) {
	if ev.ValueType != "number" {
		return nil, ErrNotNumeric
	}

	value, err := strconv.ParseFloat(ev.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotNumeric, ev.Value)
	}

	tags := map[string]string{
		"device_id":  ev.DeviceID,
		"capability": ev.Capability,
		"attribute":  ev.Attribute,
	}
	if ev.Extras != nil && ev.Extras.SmartThings != nil && ev.Extras.SmartThings.Unit != "" {
		tags["unit"] = ev.Extras.SmartThings.Unit
	}

	observedAt := ev.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	return write.NewPoint(measurement, tags, map[string]any{"value": value}, observedAt), nil
}
