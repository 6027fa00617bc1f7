package gossip

import (
	"encoding/json"
	"fmt"
)

// MessageType classifies a wire envelope.
type MessageType string

const (
	TypePostList   MessageType = "post_list"   // batch of posts
	TypePostUpdate MessageType = "post_update" // single new or changed post
	TypeAck        MessageType = "ack"         // internal acknowledgement data
)

// Message is the wire envelope for the flood protocol. HopCount starts at 0
// at the origin and is incremented exactly once per rebroadcast; a message
// is never rebroadcast unmodified.
type Message struct {
	Type      MessageType `json:"type"`
	Posts     []Post      `json:"posts,omitempty"`
	AckData   string      `json:"ackData,omitempty"`
	HopCount  int         `json:"hopCount"`
	Timestamp int64       `json:"timestamp"`
	SenderID  string      `json:"senderId"`
}

// Identity is the dedup key: two envelopes from the same sender with the
// same origination timestamp and type are the same message.
func (m *Message) Identity() string {
	return fmt.Sprintf("%s|%d|%s", m.SenderID, m.Timestamp, m.Type)
}

// Encode serializes the message to its JSON wire form.
func (m *Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(data), nil
}

// DecodeMessage parses a JSON wire payload into a Message.
func DecodeMessage(payload string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Type == "" || m.SenderID == "" {
		return nil, fmt.Errorf("decoded message missing envelope fields")
	}
	switch m.Type {
	case TypePostList, TypePostUpdate, TypeAck:
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	return &m, nil
}
