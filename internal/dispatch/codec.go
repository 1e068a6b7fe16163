package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/HMasataka/presence/pkg/domain"
)

// Decode parses one inbound frame and checks its structure. Every error it
// returns matches domain.ErrInvalidFrame.
func Decode(data []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, domain.ErrInvalidFrame.WithDetails(err.Error())
	}
	if err := Validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the fields every envelope needs and the payload a
// PRESENCE_UPDATE needs. Unknown kinds pass; they are dropped by the
// dispatcher, not rejected here.
func Validate(msg *domain.Message) error {
	if msg.Type == "" {
		return domain.ErrInvalidFrame.WithDetails("type is required")
	}
	if msg.Timestamp.IsZero() {
		return domain.ErrInvalidFrame.WithDetails("timestamp is required")
	}

	if msg.Type != domain.MessageTypePresenceUpdate {
		return nil
	}

	if msg.Payload == nil {
		return domain.ErrInvalidFrame.WithDetails("payload is required")
	}
	if !msg.Payload.Status.Valid() {
		return domain.ErrInvalidFrame.WithDetails(fmt.Sprintf("unknown status %q", msg.Payload.Status))
	}
	return msg.Payload.Metadata.Validate()
}
