package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus, err := New(Config{Port: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bus.Stop(context.Background())

	type payload struct {
		Stream string `json:"stream"`
	}

	received := make(chan payload, 1)
	if _, err := SubscribeJSON(bus, SubjectMotionBegin, func(p payload) {
		received <- p
	}); err != nil {
		t.Fatalf("SubscribeJSON: %v", err)
	}

	if err := bus.Publish(SubjectMotionBegin, payload{Stream: "front"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case p := <-received:
		if p.Stream != "front" {
			t.Fatalf("expected stream 'front', got %q", p.Stream)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestStopDrainsSubscriptions(t *testing.T) {
	bus, err := New(Config{Port: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := bus.Subscribe(SubjectRecordingStarted, func(msg *nats.Msg) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
