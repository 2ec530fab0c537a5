package tsdb

import (
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gatelink/internal/event"
	"github.com/nerrad567/gatelink/internal/infrastructure/config"
)

func numericEvent(value string) *event.NormalizedEvent {
	return &event.NormalizedEvent{
		EventID:    "evt-1",
		DeviceID:   "device-1",
		Capability: "temperatureMeasurement",
		Attribute:  "temperature",
		Value:      value,
		ValueType:  "number",
		ObservedAt: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildPointNumeric(t *testing.T) {
	ev := numericEvent("21.5")
	ev.Extras = &event.Extras{
		Platform:    event.PlatformSmartThings,
		SmartThings: &event.SmartThingsExtras{Unit: "C"},
	}

	point, err := buildPoint(ev)
	if err != nil {
		t.Fatalf("buildPoint() error = %v", err)
	}

	if point.Name() != measurement {
		t.Errorf("measurement = %q, want %q", point.Name(), measurement)
	}

	tags := map[string]string{}
	for _, tag := range point.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["device_id"] != "device-1" || tags["attribute"] != "temperature" || tags["unit"] != "C" {
		t.Errorf("tags = %v, want device, attribute, and unit tags", tags)
	}

	fields := point.FieldList()
	if len(fields) != 1 || fields[0].Key != "value" || fields[0].Value != 21.5 {
		t.Errorf("fields = %v, want value=21.5", fields)
	}

	if !point.Time().Equal(ev.ObservedAt) {
		t.Errorf("point time = %s, want observation time", point.Time())
	}
}

func TestBuildPointRejectsNonNumeric(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		valueType string
	}{
		{"string value", "on", "string"},
		{"boolean value", "true", "boolean"},
		{"unparseable number", "not-a-number", "number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := numericEvent(tt.value)
			ev.ValueType = tt.valueType
			if _, err := buildPoint(ev); !errors.Is(err, ErrNotNumeric) {
				t.Errorf("buildPoint() error = %v, want ErrNotNumeric", err)
			}
		})
	}
}

// TestCloseIsNilSafe verifies shutdown plumbing can call Close and consume
// its error even when the sink was never connected.
func TestCloseIsNilSafe(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}

	empty := &Client{}
	if err := empty.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
}

func TestConnectValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.InfluxDBConfig
	}{
		{"missing url", config.InfluxDBConfig{Token: "t", Org: "o", Bucket: "b"}},
		{"missing token", config.InfluxDBConfig{URL: "http://localhost:8086", Org: "o", Bucket: "b"}},
		{"missing org", config.InfluxDBConfig{URL: "http://localhost:8086", Token: "t", Bucket: "b"}},
		{"missing bucket", config.InfluxDBConfig{URL: "http://localhost:8086", Token: "t", Org: "o"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Connect(tt.cfg); err == nil {
				t.Error("Connect() error = nil, want configuration error")
			}
		})
	}
}
