package model

import (
	"fmt"
	"time"
)

type (
	// Row is a persisted remote message row.
	Row struct {
		ID             string    `json:"id"`
		ConversationID string    `json:"conversation_id"`
		SenderID       string    `json:"sender_id"`
		RecipientID    string    `json:"recipient_id"`
		CorrelationID  string    `json:"correlation_id"`
		Envelope       []byte    `json:"envelope,omitempty"`
		Seq            int64     `json:"seq"`
		State          string    `json:"state"`
		CreatedAt      time.Time `json:"created_at"`
	}

	RowPatch struct {
		State   *string `json:"state,omitempty"`
		Deleted bool    `json:"deleted,omitempty"`
	}

	EventType string

	Event struct {
		Type EventType `json:"type"`
		Row  Row       `json:"row"`
	}

	// Page holds rows strictly older than the requested cursor, newest first.
	Page struct {
		Rows    []Row `json:"rows"`
		HasMore bool  `json:"has_more"`
	}
)

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// NextState resolves a state patch against a row's current state. A row only
// moves forward along sent, delivered and read. Repeating the current state or
// patching a deleted row leaves the row as it is.
func (p RowPatch) NextState(current string) (string, error) {
	to, err := ParseSendState(*p.State)
	if err != nil {
		return "", err
	}
	from, err := ParseSendState(current)
	if err != nil {
		return "", err
	}
	if from == StateDeleted || from == to {
		return current, nil
	}
	if !to.Confirmed() || !CanTransition(from, to) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to.String(), nil
}

// Frame is a client-to-server realtime control message.
type Frame struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversationId"`
}

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)
