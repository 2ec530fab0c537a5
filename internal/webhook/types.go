package webhook

import (
	"encoding/json"
	"time"
)

// Lifecycle kinds carried by the inbound envelope.
const (
	LifecyclePing         = "PING"
	LifecycleConfirmation = "CONFIRMATION"
	LifecycleEvent        = "EVENT"
	LifecycleUninstall    = "UNINSTALL"
)

// Job kinds enqueued by the gateway.
const (
	JobKindEvent     = "event-normalize"
	JobKindUninstall = "uninstall-cleanup"
)

// Envelope is the signed inbound delivery. Exactly one data section is set,
// matching Lifecycle.
type Envelope struct {
	Lifecycle        string            `json:"lifecycle"`
	PingData         *PingData         `json:"pingData,omitempty"`
	ConfirmationData *ConfirmationData `json:"confirmationData,omitempty"`
	EventData        *EventData        `json:"eventData,omitempty"`
	UninstallData    *UninstallData    `json:"uninstallData,omitempty"`
}

// PingData carries the health-check challenge to echo back.
type PingData struct {
	Challenge string `json:"challenge"`
}

// ConfirmationData carries the registration confirmation handshake.
type ConfirmationData struct {
	AppID           string `json:"appId"`
	ConfirmationURL string `json:"confirmationUrl"`
}

// EventData carries a batch of device state events.
type EventData struct {
	OwnerID string        `json:"ownerId"`
	Events  []DeviceEvent `json:"events"`
}

// UninstallData identifies the owner whose installation was removed.
type UninstallData struct {
	OwnerID string `json:"ownerId"`
}

// DeviceEvent is one upstream state observation as delivered, before
// normalization. Value stays raw until the queue worker types it.
type DeviceEvent struct {
	EventID     string          `json:"eventId,omitempty"`
	DeviceID    string          `json:"deviceId"`
	ComponentID string          `json:"componentId,omitempty"`
	Capability  string          `json:"capability"`
	Attribute   string          `json:"attribute"`
	Value       json.RawMessage `json:"value"`
	Unit        string          `json:"unit,omitempty"`
	LocationID  string          `json:"locationId,omitempty"`
	StateChange bool            `json:"stateChange"`
	EventTime   time.Time       `json:"eventTime"`
}

// EventJobPayload is the durable payload of an event-normalize job.
type EventJobPayload struct {
	OwnerID string        `json:"ownerId"`
	Events  []DeviceEvent `json:"events"`
}

// UninstallJobPayload is the durable payload of an uninstall-cleanup job.
type UninstallJobPayload struct {
	OwnerID string `json:"ownerId"`
}

// Result is the outcome of an accepted delivery.
type Result struct {
	// Lifecycle is the classified kind.
	Lifecycle string

	// InlineResponse is the body to reply with for PING and CONFIRMATION;
	// nil for enqueued kinds, which get an empty 200.
	InlineResponse any

	// JobID is the enqueued job for EVENT and UNINSTALL deliveries.
	JobID string
}
