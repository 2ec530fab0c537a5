package event

import (
	"testing"
	"time"
)

// recvMessage reads one message with a deadline.
func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed unexpectedly")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestSubscribeAcksFirst(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{})
	defer b.Close()

	ch, cancel, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	b.Publish(testEvent("evt-1", "device-1", time.Now()))

	first := recvMessage(t, ch)
	if first.Type != MessageConnected {
		t.Errorf("first message type = %q, want %q", first.Type, MessageConnected)
	}

	second := recvMessage(t, ch)
	if second.Type != MessageEvent || second.Event.EventID != "evt-1" {
		t.Errorf("second message = %+v, want evt-1", second)
	}
}

func TestPublishFansOut(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{})
	defer b.Close()

	const subscribers = 5
	channels := make([]<-chan Message, subscribers)
	for i := range channels {
		ch, cancel, err := b.Subscribe()
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		defer cancel()
		channels[i] = ch
		recvMessage(t, ch) // drain the ack
	}

	b.Publish(testEvent("evt-1", "device-1", time.Now()))

	for i, ch := range channels {
		msg := recvMessage(t, ch)
		if msg.Type != MessageEvent || msg.Event.EventID != "evt-1" {
			t.Errorf("subscriber %d got %+v, want evt-1", i, msg)
		}
	}
}

// TestSlowSubscriberDisconnected verifies one non-reading subscriber is
// dropped at buffer overflow without stalling delivery to others.
func TestSlowSubscriberDisconnected(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{BufferSize: 2})
	defer b.Close()

	slow, slowCancel, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer slowCancel()

	healthy, healthyCancel, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer healthyCancel()
	recvMessage(t, healthy) // drain the ack

	// The slow subscriber never reads: its ack plus one event fill the
	// buffer, so the next publish overflows and disconnects it.
	for i := 0; i < 3; i++ {
		b.Publish(testEvent("evt", "device-1", time.Now()))
		recvMessage(t, healthy)
	}

	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1 after overflow", got)
	}

	// The slow channel is closed after its buffered backlog.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber channel never closed")
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{})
	defer b.Close()

	ch, cancel, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	recvMessage(t, ch) // drain the ack

	cancel()
	cancel()
	cancel()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}

	// No delivery after cancel; the channel is closed.
	b.Publish(testEvent("evt-1", "device-1", time.Now()))
	if msg, ok := <-ch; ok {
		t.Errorf("received %+v after cancel, want closed channel", msg)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{})
	b.Close()

	if _, _, err := b.Subscribe(); err != ErrBroadcasterClosed {
		t.Errorf("Subscribe() error = %v, want ErrBroadcasterClosed", err)
	}

	// Close is idempotent too.
	b.Close()
}
