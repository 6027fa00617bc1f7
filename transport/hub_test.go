package transport

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder collects events for assertions
type recorder struct {
	mu       sync.Mutex
	payloads []string
	senders  []string
	found    []string
	lost     []string
}

func (r *recorder) events() Events {
	return Events{
		OnPayloadReceived: func(peerID, payload string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.senders = append(r.senders, peerID)
			r.payloads = append(r.payloads, payload)
		},
		OnEndpointFound: func(peerID, name string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.found = append(r.found, peerID)
		},
		OnEndpointLost: func(peerID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lost = append(r.lost, peerID)
		},
	}
}

func (r *recorder) payloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) foundCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.found)
}

func (r *recorder) lostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lost)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestHubSendPayload verifies point-to-point delivery
func TestHubSendPayload(t *testing.T) {
	hub := NewHub(nil)
	a := hub.Attach("node-a")
	b := hub.Attach("node-b")

	var rec recorder
	b.SetEvents(rec.events())

	a.StartAdvertising("A")
	b.StartAdvertising("B")

	if err := a.SendPayload("node-b", "hello"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "payload delivery", func() bool { return rec.payloadCount() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.payloads[0] != "hello" || rec.senders[0] != "node-a" {
		t.Errorf("got payload %q from %q", rec.payloads[0], rec.senders[0])
	}
}

// TestHubBroadcast verifies delivery to all online peers except the sender
func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	a := hub.Attach("node-a")
	b := hub.Attach("node-b")
	c := hub.Attach("node-c")

	var recB, recC recorder
	b.SetEvents(recB.events())
	c.SetEvents(recC.events())

	a.StartAdvertising("A")
	b.StartAdvertising("B")
	c.StartAdvertising("C")

	if err := a.BroadcastPayload("to-everyone"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "broadcast to B", func() bool { return recB.payloadCount() == 1 })
	waitFor(t, "broadcast to C", func() bool { return recC.payloadCount() == 1 })
}

// TestHubDiscoveryEvents verifies found and lost notifications
func TestHubDiscoveryEvents(t *testing.T) {
	hub := NewHub(nil)
	a := hub.Attach("node-a")
	b := hub.Attach("node-b")

	var rec recorder
	a.SetEvents(rec.events())

	b.StartAdvertising("B")
	a.StartDiscovery()

	waitFor(t, "endpoint found", func() bool { return rec.foundCount() >= 1 })

	b.StopAll()
	waitFor(t, "endpoint lost", func() bool { return rec.lostCount() >= 1 })
}

// TestHubRadioSizeLimit verifies oversized payloads fail at the radio
func TestHubRadioSizeLimit(t *testing.T) {
	hub := NewHub(nil)
	a := hub.Attach("node-a")
	hub.Attach("node-b").StartAdvertising("B")
	a.StartAdvertising("A")

	oversized := strings.Repeat("x", 513)
	if err := a.SendPayload("node-b", oversized); err == nil {
		t.Error("expected radio limit error for 513-byte payload")
	}
	if err := a.BroadcastPayload(oversized); err == nil {
		t.Error("expected radio limit error on broadcast")
	}

	exact := strings.Repeat("x", 512)
	if err := a.SendPayload("node-b", exact); err != nil {
		t.Errorf("512 bytes must fit the radio limit: %v", err)
	}
}

// TestHubUnreachablePeer verifies sends to offline or unknown peers fail
func TestHubUnreachablePeer(t *testing.T) {
	hub := NewHub(nil)
	a := hub.Attach("node-a")
	b := hub.Attach("node-b")
	a.StartAdvertising("A")

	if err := a.SendPayload("node-b", "hi"); err == nil {
		t.Error("expected error sending to offline peer")
	}

	b.StartAdvertising("B")
	b.StopAll()
	if err := a.SendPayload("node-b", "hi"); err == nil {
		t.Error("expected error sending to stopped peer")
	}

	if err := a.SendPayload("nobody", "hi"); err == nil {
		t.Error("expected error sending to unknown peer")
	}
}

// TestHubFailureInjection verifies the deterministic loss path
func TestHubFailureInjection(t *testing.T) {
	hub := NewHub(&HubConfig{
		MaxPayloadBytes: 512,
		FailureRate:     1.0,
		Deterministic:   true,
	})
	a := hub.Attach("node-a")
	hub.Attach("node-b").StartAdvertising("B")
	a.StartAdvertising("A")

	if err := a.SendPayload("node-b", "doomed"); err == nil {
		t.Error("expected injected send failure")
	}
	if err := a.BroadcastPayload("doomed"); err == nil {
		t.Error("expected injected broadcast failure")
	}
}

// TestHubStoppedTransport verifies a stopped node cannot send and receives nothing
func TestHubStoppedTransport(t *testing.T) {
	hub := NewHub(nil)
	a := hub.Attach("node-a")
	b := hub.Attach("node-b")

	var rec recorder
	b.SetEvents(rec.events())

	a.StartAdvertising("A")
	b.StartAdvertising("B")
	b.StopAll()

	if err := b.BroadcastPayload("from-stopped"); err == nil {
		t.Error("expected error broadcasting from stopped transport")
	}

	a.BroadcastPayload("to-stopped")
	time.Sleep(20 * time.Millisecond)
	if rec.payloadCount() != 0 {
		t.Error("stopped node must not receive payloads")
	}
}
