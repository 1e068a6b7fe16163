package domain

import (
	"encoding/json"
	"time"
)

// MessageType represents the kind of a wire envelope
type MessageType string

const (
	MessageTypeConnect        MessageType = "CONNECT"
	MessageTypeDisconnect     MessageType = "DISCONNECT"
	MessageTypeHeartbeat      MessageType = "HEARTBEAT"
	MessageTypeHeartbeatAck   MessageType = "HEARTBEAT_ACK"
	MessageTypePresenceUpdate MessageType = "PRESENCE_UPDATE"
	MessageTypeError          MessageType = "ERROR"
)

// Message is the JSON envelope used in both directions
type Message struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"userId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   *Payload    `json:"payload,omitempty"`
}

// Payload carries presence state, or an error description on ERROR frames
type Payload struct {
	Status   Status        `json:"status,omitempty"`
	Metadata MetadataPatch `json:"metadata,omitempty"`
	Code     string        `json:"code,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// NewPresenceMessage builds a CONNECT or PRESENCE_UPDATE envelope for a record
func NewPresenceMessage(messageType MessageType, r Record) Message {
	return Message{
		Type:      messageType,
		UserID:    r.UserID,
		Timestamp: r.LastSeen.UTC(),
		Payload: &Payload{
			Status:   r.Status,
			Metadata: PatchOf(r.Metadata),
		},
	}
}

// NewErrorMessage builds an ERROR envelope
func NewErrorMessage(code, text string, at time.Time) Message {
	return Message{
		Type:      MessageTypeError,
		Timestamp: at.UTC(),
		Payload: &Payload{
			Code:  code,
			Error: text,
		},
	}
}

// NewHeartbeatAck builds the reply to a HEARTBEAT
func NewHeartbeatAck(userID string, at time.Time) Message {
	return Message{
		Type:      MessageTypeHeartbeatAck,
		UserID:    userID,
		Timestamp: at.UTC(),
	}
}

// Marshal encodes the envelope
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Record converts a presence envelope back into a record. ok is false when
// the envelope carries no valid status.
func (m Message) Record() (Record, bool) {
	if m.Payload == nil || !m.Payload.Status.Valid() || m.UserID == "" {
		return Record{}, false
	}
	md, err := Metadata(nil).Merge(m.Payload.Metadata)
	if err != nil {
		return Record{}, false
	}
	return Record{
		UserID:   m.UserID,
		Status:   m.Payload.Status,
		LastSeen: m.Timestamp,
		Metadata: md,
	}, true
}
