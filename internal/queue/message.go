package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names carried in Message.Event.
const (
	EventDocumentUploaded      = "document.uploaded"
	EventApplicationStructured = "application.structured"
)

// MessageVersion is stamped on every outgoing message.
const MessageVersion = 1

var (
	ErrUnknownEvent      = errors.New("unknown event")
	ErrMissingDocumentID = errors.New("missing documentId")
	ErrMissingRunToken   = errors.New("missing runToken")
)

// Message is the payload sent to downstream queue consumers.
type Message struct {
	Event      string `json:"event"`
	DocumentID string `json:"documentId"`
	RunToken   string `json:"runToken,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	EnqueuedAt string `json:"enqueuedAt"`
	Version    int    `json:"version"`
}

// Validate checks that the message names a known event and carries the
// identifiers that event needs.
func (m Message) Validate() error {
	if strings.TrimSpace(m.DocumentID) == "" {
		return ErrMissingDocumentID
	}
	switch m.Event {
	case EventDocumentUploaded:
		return nil
	case EventApplicationStructured:
		if strings.TrimSpace(m.RunToken) == "" {
			return ErrMissingRunToken
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, m.Event)
	}
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
