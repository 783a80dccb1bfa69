package inproc

import (
	"errors"
	"testing"

	"github.com/BRafols/tribal-wars/internal/domain"
)

func TestPublishRoutesByRecipient(t *testing.T) {
	bus := New(4)
	chA := bus.Register("agent-a")
	chB := bus.Register("agent-b")

	if err := bus.Publish(domain.Envelope{Type: domain.EnvelopeHeartbeat, To: "agent-a", AgentID: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-chA:
		if env.Type != domain.EnvelopeHeartbeat {
			t.Fatalf("got envelope type %s", env.Type)
		}
	default:
		t.Fatalf("agent-a received nothing")
	}
	select {
	case env := <-chB:
		t.Fatalf("agent-b received stray envelope %v", env)
	default:
	}
}

func TestPublishToUnknownRecipient(t *testing.T) {
	bus := New(4)
	err := bus.Publish(domain.Envelope{To: "nobody"})
	if !errors.Is(err, ErrAgentNotRegistered) {
		t.Fatalf("err = %v, want ErrAgentNotRegistered", err)
	}
}

func TestPublishFullQueueDoesNotBlock(t *testing.T) {
	bus := New(1)
	bus.Register("agent-a")

	if err := bus.Publish(domain.Envelope{To: "agent-a"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := bus.Publish(domain.Envelope{To: "agent-a"})
	if !errors.Is(err, ErrAgentQueueFull) {
		t.Fatalf("err = %v, want ErrAgentQueueFull", err)
	}
}

func TestRegisterTwiceReturnsSameChannel(t *testing.T) {
	bus := New(4)
	first := bus.Register("agent-a")
	second := bus.Register("agent-a")

	if err := bus.Publish(domain.Envelope{To: "agent-a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-second:
	default:
		t.Fatalf("second handle did not observe the envelope")
	}
	_ = first
}

func TestUnregisterClosesChannel(t *testing.T) {
	bus := New(4)
	ch := bus.Register("agent-a")
	bus.Unregister("agent-a")

	if _, open := <-ch; open {
		t.Fatalf("channel still open after unregister")
	}
	if err := bus.Publish(domain.Envelope{To: "agent-a"}); !errors.Is(err, ErrAgentNotRegistered) {
		t.Fatalf("err = %v, want ErrAgentNotRegistered", err)
	}
	// Idempotent.
	bus.Unregister("agent-a")
}
