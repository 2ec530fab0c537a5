package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const testSecret = "test-webhook-secret"

// fakeQueue records enqueued jobs.
type fakeQueue struct {
	kinds    []string
	payloads [][]byte
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, kind string, payload []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.kinds = append(f.kinds, kind)
	f.payloads = append(f.payloads, payload)
	return "job-test", nil
}

// signedBody marshals an envelope and returns it with a valid signature.
func signedBody(t *testing.T, env Envelope) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshalling envelope: %v", err)
	}
	return body, Sign(testSecret, body)
}

func TestHandleRejectsBadSignature(t *testing.T) {
	q := &fakeQueue{}
	g := New(testSecret, q)
	ctx := context.Background()

	body, _ := signedBody(t, Envelope{Lifecycle: LifecyclePing, PingData: &PingData{Challenge: "c"}})

	tests := []struct {
		name      string
		signature string
	}{
		{"wrong secret", Sign("other-secret", body)},
		{"empty", ""},
		{"not hex", "sha256=zzzz"},
		{"truncated", Sign(testSecret, body)[:20]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Handle(ctx, body, tt.signature); !errors.Is(err, ErrSignatureInvalid) {
				t.Errorf("Handle() error = %v, want ErrSignatureInvalid", err)
			}
		})
	}

	if len(q.kinds) != 0 {
		t.Errorf("enqueued %d jobs from rejected deliveries, want 0", len(q.kinds))
	}
}

func TestHandlePingEchoesChallenge(t *testing.T) {
	g := New(testSecret, &fakeQueue{})

	body, sig := signedBody(t, Envelope{
		Lifecycle: LifecyclePing,
		PingData:  &PingData{Challenge: "challenge-123"},
	})

	result, err := g.Handle(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Lifecycle != LifecyclePing {
		t.Errorf("Lifecycle = %q, want PING", result.Lifecycle)
	}

	reply, ok := result.InlineResponse.(map[string]any)
	if !ok {
		t.Fatalf("InlineResponse type = %T, want map", result.InlineResponse)
	}
	ping, ok := reply["pingData"].(PingData)
	if !ok || ping.Challenge != "challenge-123" {
		t.Errorf("echoed ping = %+v, want original challenge", reply["pingData"])
	}
}

func TestHandleConfirmationRepliesInline(t *testing.T) {
	q := &fakeQueue{}
	g := New(testSecret, q)

	body, sig := signedBody(t, Envelope{
		Lifecycle: LifecycleConfirmation,
		ConfirmationData: &ConfirmationData{
			AppID:           "app-1",
			ConfirmationURL: "https://issuer.example/confirm?token=abc",
		},
	})

	result, err := g.Handle(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.InlineResponse == nil {
		t.Fatal("InlineResponse is nil, want confirmation reply")
	}
	if len(q.kinds) != 0 {
		t.Errorf("confirmation enqueued %d jobs, want 0", len(q.kinds))
	}
}

func TestHandleEventEnqueues(t *testing.T) {
	q := &fakeQueue{}
	g := New(testSecret, q)

	body, sig := signedBody(t, Envelope{
		Lifecycle: LifecycleEvent,
		EventData: &EventData{
			OwnerID: "owner-1",
			Events: []DeviceEvent{{
				EventID:     "evt-1",
				DeviceID:    "device-1",
				Capability:  "switch",
				Attribute:   "switch",
				Value:       json.RawMessage(`"on"`),
				StateChange: true,
				EventTime:   time.Now().UTC(),
			}},
		},
	})

	result, err := g.Handle(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.JobID != "job-test" {
		t.Errorf("JobID = %q, want job-test", result.JobID)
	}
	if result.InlineResponse != nil {
		t.Error("InlineResponse set for EVENT, want empty acknowledgment")
	}
	if len(q.kinds) != 1 || q.kinds[0] != JobKindEvent {
		t.Fatalf("enqueued kinds = %v, want [event-normalize]", q.kinds)
	}

	var payload EventJobPayload
	if err := json.Unmarshal(q.payloads[0], &payload); err != nil {
		t.Fatalf("decoding job payload: %v", err)
	}
	if payload.OwnerID != "owner-1" || len(payload.Events) != 1 || payload.Events[0].EventID != "evt-1" {
		t.Errorf("job payload = %+v, want delivered events", payload)
	}
}

func TestHandleEventDerivesMissingID(t *testing.T) {
	q := &fakeQueue{}
	g := New(testSecret, q)

	ev := DeviceEvent{
		DeviceID:   "device-1",
		Capability: "temperatureMeasurement",
		Attribute:  "temperature",
		Value:      json.RawMessage(`21.5`),
		EventTime:  time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	body, sig := signedBody(t, Envelope{
		Lifecycle: LifecycleEvent,
		EventData: &EventData{OwnerID: "owner-1", Events: []DeviceEvent{ev}},
	})

	if _, err := g.Handle(context.Background(), body, sig); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	var payload EventJobPayload
	if err := json.Unmarshal(q.payloads[0], &payload); err != nil {
		t.Fatalf("decoding job payload: %v", err)
	}

	got := payload.Events[0].EventID
	if got == "" {
		t.Fatal("event id is empty, want derived id")
	}
	if got != DeriveEventID(ev) {
		t.Errorf("event id = %s, want deterministic derivation", got)
	}
}

func TestDeriveEventIDIsDeterministic(t *testing.T) {
	ev := DeviceEvent{
		DeviceID:   "device-1",
		Capability: "switch",
		Attribute:  "switch",
		Value:      json.RawMessage(`"on"`),
		EventTime:  time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}

	if DeriveEventID(ev) != DeriveEventID(ev) {
		t.Error("same observation derived different ids")
	}

	other := ev
	other.Value = json.RawMessage(`"off"`)
	if DeriveEventID(ev) == DeriveEventID(other) {
		t.Error("different observations derived the same id")
	}

	later := ev
	later.EventTime = ev.EventTime.Add(time.Second)
	if DeriveEventID(ev) == DeriveEventID(later) {
		t.Error("different timestamps derived the same id")
	}
}

func TestHandleUninstallEnqueuesCleanup(t *testing.T) {
	q := &fakeQueue{}
	g := New(testSecret, q)

	body, sig := signedBody(t, Envelope{
		Lifecycle:     LifecycleUninstall,
		UninstallData: &UninstallData{OwnerID: "owner-1"},
	})

	result, err := g.Handle(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Lifecycle != LifecycleUninstall || result.JobID == "" {
		t.Errorf("result = %+v, want enqueued uninstall", result)
	}
	if len(q.kinds) != 1 || q.kinds[0] != JobKindUninstall {
		t.Errorf("enqueued kinds = %v, want [uninstall-cleanup]", q.kinds)
	}
}

func TestHandleMalformedEnvelope(t *testing.T) {
	g := New(testSecret, &fakeQueue{})
	ctx := context.Background()

	tests := []struct {
		name string
		env  Envelope
	}{
		{"ping without data", Envelope{Lifecycle: LifecyclePing}},
		{"confirmation without data", Envelope{Lifecycle: LifecycleConfirmation}},
		{"event without data", Envelope{Lifecycle: LifecycleEvent}},
		{"uninstall without owner", Envelope{Lifecycle: LifecycleUninstall, UninstallData: &UninstallData{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, sig := signedBody(t, tt.env)
			if _, err := g.Handle(ctx, body, sig); !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("Handle() error = %v, want ErrMalformedEnvelope", err)
			}
		})
	}

	body := []byte("not json at all")
	if _, err := g.Handle(ctx, body, Sign(testSecret, body)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("Handle(non-json) error = %v, want ErrMalformedEnvelope", err)
	}
}

func TestHandleUnknownLifecycle(t *testing.T) {
	g := New(testSecret, &fakeQueue{})

	body, sig := signedBody(t, Envelope{Lifecycle: "REBOOT"})
	if _, err := g.Handle(context.Background(), body, sig); !errors.Is(err, ErrUnknownLifecycle) {
		t.Errorf("Handle() error = %v, want ErrUnknownLifecycle", err)
	}
}
