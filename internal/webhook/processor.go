package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nerrad567/gatelink/internal/event"
	"github.com/nerrad567/gatelink/internal/queue"
)

// Appender durably stores a normalized event, reporting whether it was new.
type Appender interface {
	Append(ctx context.Context, ev *event.NormalizedEvent) (bool, error)
}

// Publisher fans a freshly appended event out to live subscribers.
type Publisher interface {
	Publish(ev *event.NormalizedEvent)
}

// StatePutter proactively refreshes the state cache from ingestion.
type StatePutter interface {
	Put(entityID string, value any)
}

// Egress republishes a normalized event to an external sink, such as the
// MQTT broker or the telemetry store. Failures are logged, not retried:
// the event is already durable in the store.
type Egress interface {
	PublishEvent(ctx context.Context, ev *event.NormalizedEvent) error
}

// Disconnector tears down an owner's stored authorization.
type Disconnector interface {
	Disconnect(ctx context.Context, ownerID string) error
}

// Processor implements the queue handlers behind webhook intake.
//
// The egress sinks are optional; a nil sink is skipped.
type Processor struct {
	store     Appender
	broadcast Publisher
	cache     StatePutter
	sinks     []Egress
	auth      Disconnector
	logger    Logger
}

// NewProcessor creates the webhook job processor.
func NewProcessor(store Appender, broadcast Publisher, cache StatePutter, auth Disconnector, sinks ...Egress) *Processor {
	return &Processor{
		store:     store,
		broadcast: broadcast,
		cache:     cache,
		sinks:     sinks,
		auth:      auth,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the processor.
func (p *Processor) SetLogger(logger Logger) {
	p.logger = logger
}

// Register wires the processor's handlers into the queue.
func (p *Processor) Register(q *queue.Queue) {
	q.RegisterHandler(JobKindEvent, p.HandleEventJob)
	q.RegisterHandler(JobKindUninstall, p.HandleUninstallJob)
}

// HandleEventJob normalizes and appends each delivered event, then fans the
// new ones out to subscribers, the state cache, and the egress sinks.
//
// Appends are idempotent, so a retried job re-delivers nothing: already
// stored events are skipped without side effects.
func (p *Processor) HandleEventJob(ctx context.Context, job queue.Job) error {
	var payload EventJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding event job: %w", err)
	}

	for _, raw := range payload.Events {
		ev := Normalize(raw)

		inserted, err := p.store.Append(ctx, ev)
		if err != nil {
			return fmt.Errorf("appending event %s: %w", ev.EventID, err)
		}
		if !inserted {
			continue
		}

		p.broadcast.Publish(ev)
		if p.cache != nil {
			p.cache.Put(ev.DeviceID, ev)
		}
		for _, sink := range p.sinks {
			if sink == nil {
				continue
			}
			if err := sink.PublishEvent(ctx, ev); err != nil {
				p.logger.Warn("egress publish failed", "event_id", ev.EventID, "error", err)
			}
		}
	}

	return nil
}

// HandleUninstallJob revokes the removed owner's stored authorization.
func (p *Processor) HandleUninstallJob(ctx context.Context, job queue.Job) error {
	var payload UninstallJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding uninstall job: %w", err)
	}

	if err := p.auth.Disconnect(ctx, payload.OwnerID); err != nil {
		return fmt.Errorf("disconnecting owner %s: %w", payload.OwnerID, err)
	}

	p.logger.Info("installation cleaned up", "owner_id", payload.OwnerID)
	return nil
}

// Normalize converts a raw delivery event into the gateway's
// platform-neutral shape, typing the value and lifting platform fields into
// the extras variant.
func Normalize(raw DeviceEvent) *event.NormalizedEvent {
	value, valueType := typeValue(raw.Value)

	ev := &event.NormalizedEvent{
		EventID:      raw.EventID,
		DeviceID:     raw.DeviceID,
		Capability:   raw.Capability,
		Attribute:    raw.Attribute,
		Value:        value,
		ValueType:    valueType,
		StateChanged: raw.StateChange,
		ObservedAt:   raw.EventTime,
	}

	if raw.LocationID != "" || raw.ComponentID != "" || raw.Unit != "" {
		ev.Extras = &event.Extras{
			Platform: event.PlatformSmartThings,
			SmartThings: &event.SmartThingsExtras{
				LocationID:  raw.LocationID,
				ComponentID: raw.ComponentID,
				Unit:        raw.Unit,
			},
		}
	}

	return ev
}

// typeValue renders a raw JSON value as a string plus its upstream type.
func typeValue(raw json.RawMessage) (string, string) {
	if len(raw) == 0 {
		return "", "string"
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), "boolean"
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), "number"
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, "string"
	}

	return string(raw), "object"
}
