// Package transport defines the contract the gossip engine expects from the
// short-range radio stack (BLE, Nearby Connections, or a test double). The
// radio itself is an external collaborator; this package carries only the
// payload-level interface and an in-memory hub implementation.
package transport

// Events are the callbacks a transport delivers to its owner. Unset
// callbacks are skipped. SetEvents with a zero Events deterministically
// unregisters all of them.
type Events struct {
	OnPayloadReceived func(peerID, payload string)
	OnEndpointFound   func(peerID, name string)
	OnEndpointLost    func(peerID string)
}

// Transport is the bounded-payload radio contract. Payloads exceeding the
// radio's hard size limit fail with a transport error; the engine
// pre-compresses and chunks so it never triggers that path.
type Transport interface {
	StartAdvertising(displayName string) error
	StartDiscovery() error
	StopAll()
	SendPayload(peerID, payload string) error
	BroadcastPayload(payload string) error
	SetEvents(ev Events)
}
