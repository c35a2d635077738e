package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/zapdesk/zapdesk/internal/lifecycle"
)

// Direction indicates who originated a message.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Identity is a tagged message id: either a stable server-assigned id or a
// session-unique local placeholder id. The two namespaces never overlap.
type Identity struct {
	value string
	local bool
}

// ServerID wraps an authoritative server-assigned id.
func ServerID(v string) Identity {
	return Identity{value: v}
}

// LocalID wraps an existing placeholder id.
func LocalID(v string) Identity {
	return Identity{value: v, local: true}
}

// NewLocalID mints a fresh placeholder id. Local ids are never reused.
func NewLocalID() Identity {
	return Identity{value: uuid.New().String(), local: true}
}

// Local reports whether this is a placeholder id.
func (id Identity) Local() bool { return id.local }

// Value returns the raw id string.
func (id Identity) Value() string { return id.value }

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool { return id.value == "" }

func (id Identity) Equal(other Identity) bool {
	return id.value == other.value && id.local == other.local
}

// Message is one entry in a conversation. Server-origin messages are
// immutable once merged; only placeholders move through the outbound
// lifecycle locally.
type Message struct {
	ID              Identity
	ConversationKey string
	Direction       Direction
	Status          lifecycle.State

	Body      string
	MediaPath string
	MimeType  string

	// ContactName is an optimistic display hint; the server value wins once
	// it resolves the contact.
	ContactName string

	// CorrelationID is the provider-assigned id bridging a placeholder to
	// its eventual authoritative record.
	CorrelationID string

	CreatedAt time.Time
	ReadAt    time.Time

	// FailureReason is set when an outbound message could not be confirmed.
	FailureReason string
}

// Read reports whether the message has been read.
func (m Message) Read() bool { return !m.ReadAt.IsZero() }

// HasMedia reports whether the message carries an attachment.
func (m Message) HasMedia() bool { return m.MediaPath != "" }

// Placeholder reports whether the message is a local optimistic entry.
func (m Message) Placeholder() bool { return m.ID.Local() }
