package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gatelink/internal/event"
	"github.com/nerrad567/gatelink/internal/queue"
)

// fakeStore records appended events, reporting duplicates by id.
type fakeStore struct {
	seen map[string]bool
	err  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: make(map[string]bool)}
}

func (f *fakeStore) Append(_ context.Context, ev *event.NormalizedEvent) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[ev.EventID] {
		return false, nil
	}
	f.seen[ev.EventID] = true
	return true, nil
}

// fakeBroadcast records published events.
type fakeBroadcast struct {
	published []*event.NormalizedEvent
}

func (f *fakeBroadcast) Publish(ev *event.NormalizedEvent) {
	f.published = append(f.published, ev)
}

// fakePutter records cache refreshes.
type fakePutter struct {
	keys []string
}

func (f *fakePutter) Put(entityID string, _ any) {
	f.keys = append(f.keys, entityID)
}

// fakeEgress records republished events and can fail.
type fakeEgress struct {
	published int
	err       error
}

func (f *fakeEgress) PublishEvent(context.Context, *event.NormalizedEvent) error {
	if f.err != nil {
		return f.err
	}
	f.published++
	return nil
}

// fakeDisconnector records torn-down owners.
type fakeDisconnector struct {
	owners []string
	err    error
}

func (f *fakeDisconnector) Disconnect(_ context.Context, ownerID string) error {
	if f.err != nil {
		return f.err
	}
	f.owners = append(f.owners, ownerID)
	return nil
}

// eventJob builds an event-normalize job carrying the given events.
func eventJob(t *testing.T, events ...DeviceEvent) queue.Job {
	t.Helper()
	payload, err := json.Marshal(EventJobPayload{OwnerID: "owner-1", Events: events})
	if err != nil {
		t.Fatalf("marshalling payload: %v", err)
	}
	return queue.Job{ID: "job-1", Kind: JobKindEvent, Payload: payload}
}

func TestHandleEventJobFansOut(t *testing.T) {
	store := newFakeStore()
	broadcast := &fakeBroadcast{}
	cache := &fakePutter{}
	egress := &fakeEgress{}
	p := NewProcessor(store, broadcast, cache, &fakeDisconnector{}, egress)

	job := eventJob(t, DeviceEvent{
		EventID:     "evt-1",
		DeviceID:    "device-1",
		Capability:  "switch",
		Attribute:   "switch",
		Value:       json.RawMessage(`"on"`),
		StateChange: true,
		EventTime:   time.Now().UTC(),
	})

	if err := p.HandleEventJob(context.Background(), job); err != nil {
		t.Fatalf("HandleEventJob() error = %v", err)
	}

	if len(broadcast.published) != 1 || broadcast.published[0].EventID != "evt-1" {
		t.Errorf("broadcast = %+v, want one evt-1", broadcast.published)
	}
	if len(cache.keys) != 1 || cache.keys[0] != "device-1" {
		t.Errorf("cache refreshes = %v, want [device-1]", cache.keys)
	}
	if egress.published != 1 {
		t.Errorf("egress publishes = %d, want 1", egress.published)
	}
}

// TestHandleEventJobRetryIsIdempotent verifies a re-run job re-delivers
// nothing: already stored events produce no second broadcast.
func TestHandleEventJobRetryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	broadcast := &fakeBroadcast{}
	p := NewProcessor(store, broadcast, nil, &fakeDisconnector{})

	job := eventJob(t, DeviceEvent{
		EventID:    "evt-1",
		DeviceID:   "device-1",
		Capability: "switch",
		Attribute:  "switch",
		Value:      json.RawMessage(`"on"`),
		EventTime:  time.Now().UTC(),
	})

	for i := 0; i < 3; i++ {
		if err := p.HandleEventJob(context.Background(), job); err != nil {
			t.Fatalf("HandleEventJob() run %d error = %v", i, err)
		}
	}

	if len(broadcast.published) != 1 {
		t.Errorf("broadcasts = %d, want exactly 1", len(broadcast.published))
	}
}

func TestHandleEventJobAppendFailureRetries(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("database locked")
	p := NewProcessor(store, &fakeBroadcast{}, nil, &fakeDisconnector{})

	job := eventJob(t, DeviceEvent{
		EventID:   "evt-1",
		DeviceID:  "device-1",
		EventTime: time.Now().UTC(),
	})

	if err := p.HandleEventJob(context.Background(), job); err == nil {
		t.Error("HandleEventJob() error = nil, want append failure surfaced for retry")
	}
}

// TestHandleEventJobEgressFailureIsAbsorbed verifies a failing sink does not
// fail the job: the event is already durable.
func TestHandleEventJobEgressFailureIsAbsorbed(t *testing.T) {
	store := newFakeStore()
	broken := &fakeEgress{err: errors.New("broker unreachable")}
	p := NewProcessor(store, &fakeBroadcast{}, nil, &fakeDisconnector{}, broken)

	job := eventJob(t, DeviceEvent{
		EventID:   "evt-1",
		DeviceID:  "device-1",
		EventTime: time.Now().UTC(),
	})

	if err := p.HandleEventJob(context.Background(), job); err != nil {
		t.Errorf("HandleEventJob() error = %v, want egress failure absorbed", err)
	}
}

func TestHandleUninstallJob(t *testing.T) {
	auth := &fakeDisconnector{}
	p := NewProcessor(newFakeStore(), &fakeBroadcast{}, nil, auth)

	payload, _ := json.Marshal(UninstallJobPayload{OwnerID: "owner-1"}) //nolint:errcheck // static struct
	job := queue.Job{ID: "job-1", Kind: JobKindUninstall, Payload: payload}

	if err := p.HandleUninstallJob(context.Background(), job); err != nil {
		t.Fatalf("HandleUninstallJob() error = %v", err)
	}
	if len(auth.owners) != 1 || auth.owners[0] != "owner-1" {
		t.Errorf("disconnected owners = %v, want [owner-1]", auth.owners)
	}
}

func TestHandleUninstallJobDisconnectFailureRetries(t *testing.T) {
	auth := &fakeDisconnector{err: errors.New("issuer unreachable")}
	p := NewProcessor(newFakeStore(), &fakeBroadcast{}, nil, auth)

	payload, _ := json.Marshal(UninstallJobPayload{OwnerID: "owner-1"}) //nolint:errcheck // static struct
	job := queue.Job{Kind: JobKindUninstall, Payload: payload}

	if err := p.HandleUninstallJob(context.Background(), job); err == nil {
		t.Error("HandleUninstallJob() error = nil, want failure surfaced for retry")
	}
}

func TestNormalizeTypesValues(t *testing.T) {
	tests := []struct {
		name      string
		raw       json.RawMessage
		wantValue string
		wantType  string
	}{
		{"string", json.RawMessage(`"on"`), "on", "string"},
		{"number", json.RawMessage(`21.5`), "21.5", "number"},
		{"integer", json.RawMessage(`42`), "42", "number"},
		{"boolean", json.RawMessage(`true`), "true", "boolean"},
		{"object", json.RawMessage(`{"x":1}`), `{"x":1}`, "object"},
		{"empty", nil, "", "string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Normalize(DeviceEvent{
				EventID:   "evt-1",
				DeviceID:  "device-1",
				Value:     tt.raw,
				EventTime: time.Now(),
			})
			if ev.Value != tt.wantValue || ev.ValueType != tt.wantType {
				t.Errorf("Normalize() = (%q, %q), want (%q, %q)",
					ev.Value, ev.ValueType, tt.wantValue, tt.wantType)
			}
		})
	}
}

func TestNormalizeLiftsExtras(t *testing.T) {
	ev := Normalize(DeviceEvent{
		EventID:     "evt-1",
		DeviceID:    "device-1",
		ComponentID: "main",
		LocationID:  "loc-1",
		Unit:        "C",
		Value:       json.RawMessage(`21.5`),
		EventTime:   time.Now(),
	})

	if ev.Extras == nil || ev.Extras.Platform != event.PlatformSmartThings {
		t.Fatalf("Extras = %+v, want smartthings variant", ev.Extras)
	}
	st := ev.Extras.SmartThings
	if st.ComponentID != "main" || st.LocationID != "loc-1" || st.Unit != "C" {
		t.Errorf("SmartThings extras = %+v, want lifted fields", st)
	}

	bare := Normalize(DeviceEvent{EventID: "evt-2", DeviceID: "device-1", EventTime: time.Now()})
	if bare.Extras != nil {
		t.Errorf("Extras = %+v for bare event, want nil", bare.Extras)
	}
}
