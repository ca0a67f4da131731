package model

import "time"

// OutboxItem is a queued send attempt for one MessageEntry.
type OutboxItem struct {
	EntryID        string    `json:"entry_id"`
	ConversationID string    `json:"conversation_id"`
	PeerID         string    `json:"peer_id"`
	CorrelationID  string    `json:"correlation_id"`
	Plaintext      []byte    `json:"plaintext"`
	Seq            uint64    `json:"seq"`
	Attempts       int       `json:"attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	CreatedAt      time.Time `json:"created_at"`
	LastError      string    `json:"last_error,omitempty"`

	// Envelope is the encoded envelope of the first successful encryption;
	// retries reuse it so the ratchet does not advance per attempt.
	Envelope    []byte `json:"envelope,omitempty"`
	Unencrypted bool   `json:"unencrypted,omitempty"`

	// Failed marks a tombstone: the send gave up and the item is kept only so
	// the failure can be shown and resent.
	Failed        bool   `json:"failed,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}
