package gossip

import (
	"sync"
	"time"
)

// PeerStatus is the per-peer sync bookkeeping. Entries are created on the
// first message from a peer and never deleted; a lost peer is only marked
// disconnected so its history stays available for diagnostics.
type PeerStatus struct {
	PeerID           string    `json:"peerId"`
	LastSync         time.Time `json:"lastSync"`
	MessagesReceived int       `json:"messagesReceived"`
	Connected        bool      `json:"connected"`
}

// peerTable tracks sync status for every peer this node has ever heard.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]*PeerStatus
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*PeerStatus)}
}

// markReceipt records one received message from peerID.
func (pt *peerTable) markReceipt(peerID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	status, exists := pt.peers[peerID]
	if !exists {
		status = &PeerStatus{PeerID: peerID}
		pt.peers[peerID] = status
	}
	status.LastSync = time.Now()
	status.MessagesReceived++
	status.Connected = true
}

// markConnected flags peerID as reachable and reports whether it was
// already known (a reconnect rather than a first contact).
func (pt *peerTable) markConnected(peerID string) (wasKnown bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	status, exists := pt.peers[peerID]
	if !exists {
		pt.peers[peerID] = &PeerStatus{PeerID: peerID, Connected: true}
		return false
	}
	status.Connected = true
	return true
}

// markDisconnected flags peerID as lost without deleting its history.
func (pt *peerTable) markDisconnected(peerID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if status, exists := pt.peers[peerID]; exists {
		status.Connected = false
	}
}

// snapshot returns a copy of every peer status.
func (pt *peerTable) snapshot() []PeerStatus {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make([]PeerStatus, 0, len(pt.peers))
	for _, status := range pt.peers {
		out = append(out, *status)
	}
	return out
}

func (pt *peerTable) count() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.peers)
}
