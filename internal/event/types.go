package event

import (
	"fmt"
	"time"
)

// Platform tags for the Extras variant.
const (
	PlatformSmartThings = "smartthings"
	PlatformGeneric     = "generic"
)

// Extras carries platform-specific fields as a tagged variant. Platform
// names the upstream source and exactly one matching variant pointer is set.
type Extras struct {
	Platform    string             `json:"platform"`
	SmartThings *SmartThingsExtras `json:"smartthings,omitempty"`
	Generic     *GenericExtras     `json:"generic,omitempty"`
}

// SmartThingsExtras holds fields specific to SmartThings deliveries.
type SmartThingsExtras struct {
	LocationID  string `json:"location_id,omitempty"`
	ComponentID string `json:"component_id,omitempty"`
	Unit        string `json:"unit,omitempty"`
}

// GenericExtras holds passthrough fields for platforms without a dedicated
// variant.
type GenericExtras struct {
	Fields map[string]string `json:"fields,omitempty"`
}

// Validate checks that the tag and the set variant agree.
func (e *Extras) Validate() error {
	switch e.Platform {
	case PlatformSmartThings:
		if e.SmartThings == nil || e.Generic != nil {
			return fmt.Errorf("extras platform %q does not match set variant", e.Platform)
		}
	case PlatformGeneric:
		if e.Generic == nil || e.SmartThings != nil {
			return fmt.Errorf("extras platform %q does not match set variant", e.Platform)
		}
	default:
		return fmt.Errorf("unknown extras platform %q", e.Platform)
	}
	return nil
}

// NormalizedEvent is one device state observation in the gateway's
// platform-neutral shape.
type NormalizedEvent struct {
	// EventID is the idempotency key. Re-delivering an event with the same
	// id must not create a second row.
	EventID string `json:"event_id"`

	// DeviceID identifies the source device upstream.
	DeviceID string `json:"device_id"`

	// Capability is the device capability that produced the event
	// (e.g. switch, temperatureMeasurement).
	Capability string `json:"capability"`

	// Attribute is the capability attribute that changed.
	Attribute string `json:"attribute"`

	// Value is the attribute value rendered as a string; ValueType records
	// the upstream type (string, number, boolean).
	Value     string `json:"value"`
	ValueType string `json:"value_type"`

	// StateChanged is false for periodic re-reports of an unchanged value.
	StateChanged bool `json:"state_changed"`

	// Extras holds platform-specific fields, if any.
	Extras *Extras `json:"extras,omitempty"`

	// ObservedAt is when the device reported the state; IngestedAt is when
	// the gateway appended it.
	ObservedAt time.Time `json:"observed_at"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Validate checks the fields required for a durable append.
func (ev *NormalizedEvent) Validate() error {
	if ev.EventID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if ev.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrInvalidEvent)
	}
	if ev.ObservedAt.IsZero() {
		return fmt.Errorf("%w: missing observation time", ErrInvalidEvent)
	}
	if ev.Extras != nil {
		if err := ev.Extras.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	}
	return nil
}
