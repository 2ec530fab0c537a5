package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gatelink/internal/event"
	"github.com/nerrad567/gatelink/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Host:        "localhost",
		Port:        1883,
		ClientID:    "gatelink-test",
		QoS:         1,
		TopicPrefix: "gatelink",
	}
}

func TestEventTopic(t *testing.T) {
	c := &Client{cfg: testConfig()}

	if got := c.EventTopic("device-1"); got != "gatelink/events/device-1" {
		t.Errorf("EventTopic() = %q, want gatelink/events/device-1", got)
	}
	if got := c.StatusTopic(); got != "gatelink/system/status" {
		t.Errorf("StatusTopic() = %q, want gatelink/system/status", got)
	}
}

func TestPublishValidation(t *testing.T) {
	c := &Client{cfg: testConfig()}

	if err := c.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish(empty topic) error = %v, want ErrInvalidTopic", err)
	}
}

func TestPublishEventRequiresConnection(t *testing.T) {
	c := &Client{cfg: testConfig()}

	ev := &event.NormalizedEvent{
		EventID:    "evt-1",
		DeviceID:   "device-1",
		Capability: "switch",
		ObservedAt: time.Now().UTC(),
	}

	// Never connected: the publish must fail cleanly, not panic.
	err := c.PublishEvent(context.Background(), ev)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishEvent() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishEventHonoursContext(t *testing.T) {
	c := &Client{cfg: testConfig()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.PublishEvent(ctx, &event.NormalizedEvent{EventID: "evt-1", DeviceID: "device-1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("PublishEvent() error = %v, want context.Canceled", err)
	}
}

func TestBuildStatusPayload(t *testing.T) {
	tests := []struct {
		name   string
		status string
		reason string
	}{
		{"online without reason", "online", ""},
		{"offline with reason", "offline", "graceful_shutdown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := buildStatusPayload("gatelink-test", tt.status, tt.reason)

			var decoded map[string]string
			if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
				t.Fatalf("payload is not valid JSON: %v", err)
			}
			if decoded["status"] != tt.status || decoded["client_id"] != "gatelink-test" {
				t.Errorf("payload = %s, want status and client id set", payload)
			}
			if tt.reason != "" && decoded["reason"] != tt.reason {
				t.Errorf("reason = %q, want %q", decoded["reason"], tt.reason)
			}
			if decoded["timestamp"] == "" {
				t.Error("timestamp missing from status payload")
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "gatelink"
	cfg.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://localhost:1883" {
		t.Errorf("broker = %v, want tcp://localhost:1883", opts.Servers)
	}
	if opts.ClientID != "gatelink-test" {
		t.Errorf("client id = %q, want gatelink-test", opts.ClientID)
	}
	if opts.Username != "gatelink" {
		t.Errorf("username = %q, want gatelink", opts.Username)
	}
	if !opts.AutoReconnect {
		t.Error("auto-reconnect disabled, want enabled")
	}
	if opts.WillTopic != "gatelink/system/status" || !opts.WillRetained {
		t.Errorf("will topic = %q retained=%v, want status topic retained", opts.WillTopic, opts.WillRetained)
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = true
	cfg.Port = 8883

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].Scheme != "ssl" {
		t.Errorf("broker = %v, want ssl scheme", opts.Servers)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config missing or below minimum version")
	}
}
