package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/user/meshpost/logger"
)

// HubConfig controls the realism of the in-memory mesh.
type HubConfig struct {
	// MaxPayloadBytes is the radio's own hard limit. Sends above it fail.
	MaxPayloadBytes int

	// FailureRate is the probability a send is dropped with an error.
	FailureRate float64

	// DeliveryDelay is applied to every delivered payload.
	DeliveryDelay time.Duration

	// Deterministic seeds the failure RNG for reproducible scenarios.
	Deterministic bool
	Seed          int64
}

// DefaultHubConfig returns a lossless hub with the 512-byte radio limit.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		MaxPayloadBytes: 512,
		FailureRate:     0,
		DeliveryDelay:   0,
		Deterministic:   true,
	}
}

// Hub is an in-memory mesh of nodes. Every node attached to the same hub
// can discover and exchange payloads with every other online node.
type Hub struct {
	cfg *HubConfig

	mu    sync.RWMutex
	nodes map[string]*HubTransport

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewHub creates a hub. A nil config uses DefaultHubConfig.
func NewHub(cfg *HubConfig) *Hub {
	if cfg == nil {
		cfg = DefaultHubConfig()
	}

	var rng *rand.Rand
	if cfg.Deterministic {
		rng = rand.New(rand.NewSource(cfg.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Hub{
		cfg:   cfg,
		nodes: make(map[string]*HubTransport),
		rng:   rng,
	}
}

// Attach registers a node on the hub and returns its transport endpoint.
func (h *Hub) Attach(peerID string) *HubTransport {
	t := &HubTransport{hub: h, peerID: peerID}

	h.mu.Lock()
	h.nodes[peerID] = t
	h.mu.Unlock()

	return t
}

func (h *Hub) shouldFail() bool {
	if h.cfg.FailureRate <= 0 {
		return false
	}
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Float64() < h.cfg.FailureRate
}

// onlinePeers returns every online node except the given one.
func (h *Hub) onlinePeers(except string) []*HubTransport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]*HubTransport, 0, len(h.nodes))
	for id, node := range h.nodes {
		if id == except {
			continue
		}
		if node.isOnline() {
			peers = append(peers, node)
		}
	}
	return peers
}

// HubTransport is one node's endpoint on a Hub.
type HubTransport struct {
	hub    *Hub
	peerID string

	mu          sync.RWMutex
	events      Events
	online      bool
	displayName string
}

// SetEvents registers (or with a zero value, unregisters) the callbacks.
func (t *HubTransport) SetEvents(ev Events) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = ev
}

// StartAdvertising brings the node online under displayName and announces
// it to every discovering peer.
func (t *HubTransport) StartAdvertising(displayName string) error {
	t.mu.Lock()
	t.online = true
	t.displayName = displayName
	t.mu.Unlock()

	logger.Debug(t.peerID, "advertising as %q", displayName)

	for _, peer := range t.hub.onlinePeers(t.peerID) {
		peer.notifyFound(t.peerID, displayName)
	}
	return nil
}

// StartDiscovery reports every already-online peer to this node.
func (t *HubTransport) StartDiscovery() error {
	t.mu.Lock()
	t.online = true
	t.mu.Unlock()

	for _, peer := range t.hub.onlinePeers(t.peerID) {
		t.notifyFound(peer.peerID, peer.name())
	}
	return nil
}

// StopAll takes the node offline and reports the loss to every peer.
func (t *HubTransport) StopAll() {
	t.mu.Lock()
	wasOnline := t.online
	t.online = false
	t.mu.Unlock()

	if !wasOnline {
		return
	}

	for _, peer := range t.hub.onlinePeers(t.peerID) {
		peer.notifyLost(t.peerID)
	}
}

// SendPayload delivers a payload to one peer.
func (t *HubTransport) SendPayload(peerID, payload string) error {
	if err := t.checkPayload(payload); err != nil {
		return err
	}

	t.hub.mu.RLock()
	target, exists := t.hub.nodes[peerID]
	t.hub.mu.RUnlock()

	if !exists || !target.isOnline() {
		return fmt.Errorf("peer %s is not reachable", peerID)
	}
	if t.hub.shouldFail() {
		return fmt.Errorf("send to %s failed", peerID)
	}

	go target.deliver(t.peerID, payload, t.hub.cfg.DeliveryDelay)
	return nil
}

// BroadcastPayload delivers a payload to every online peer. A broadcast
// with zero reachable peers is not an error; the radio simply has no one
// in range.
func (t *HubTransport) BroadcastPayload(payload string) error {
	if err := t.checkPayload(payload); err != nil {
		return err
	}
	if t.hub.shouldFail() {
		return fmt.Errorf("broadcast failed")
	}

	for _, peer := range t.hub.onlinePeers(t.peerID) {
		go peer.deliver(t.peerID, payload, t.hub.cfg.DeliveryDelay)
	}
	return nil
}

func (t *HubTransport) checkPayload(payload string) error {
	if !t.isOnline() {
		return fmt.Errorf("transport is stopped")
	}
	limit := t.hub.cfg.MaxPayloadBytes
	if limit > 0 && len(payload) > limit {
		return fmt.Errorf("payload of %d bytes exceeds radio limit of %d", len(payload), limit)
	}
	return nil
}

func (t *HubTransport) isOnline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

func (t *HubTransport) name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.displayName
}

func (t *HubTransport) deliver(fromPeer, payload string, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}

	t.mu.RLock()
	cb := t.events.OnPayloadReceived
	online := t.online
	t.mu.RUnlock()

	if online && cb != nil {
		cb(fromPeer, payload)
	}
}

func (t *HubTransport) notifyFound(peerID, name string) {
	t.mu.RLock()
	cb := t.events.OnEndpointFound
	t.mu.RUnlock()

	if cb != nil {
		cb(peerID, name)
	}
}

func (t *HubTransport) notifyLost(peerID string) {
	t.mu.RLock()
	cb := t.events.OnEndpointLost
	t.mu.RUnlock()

	if cb != nil {
		cb(peerID)
	}
}
