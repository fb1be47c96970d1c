package domain

import (
	"errors"
	"time"
)

// ErrMalformedRecord marks a stored record that cannot be decoded. Retrying
// the read returns the same error.
var ErrMalformedRecord = errors.New("malformed record")

// Conversation is the chat thread attached to a single offer. Attributes holds
// every field not modelled explicitly, in the store's native representation,
// and is copied verbatim on archival.
type Conversation struct {
	ID         string
	OfferID    string
	IsArchived bool
	ArchivedAt time.Time
	Attributes map[string]any
}

// Archived returns a shallow copy stamped as archived at the given time.
func (c Conversation) Archived(at time.Time) Conversation {
	attrs := make(map[string]any, len(c.Attributes))
	for k, v := range c.Attributes {
		attrs[k] = v
	}
	c.Attributes = attrs
	c.IsArchived = true
	c.ArchivedAt = at
	return c
}

// Message is a single chat entry. Its payload is opaque to this service.
type Message struct {
	ID             string
	ConversationID string
	Attributes     map[string]any
}

// TypingIndicator is an ephemeral presence record under a conversation.
type TypingIndicator struct {
	ID             string
	ConversationID string
	Timestamp      time.Time
}

// Archive is the primary write set committed when an offer completes.
type Archive struct {
	// Conversation is the archived copy, already stamped by Archived.
	Conversation Conversation
	Messages     []Message
	// MarkedAt is written to the original conversation record.
	MarkedAt time.Time
}
