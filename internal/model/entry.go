package model

import (
	"fmt"
	"time"
)

type SendState uint8

const (
	StatePending SendState = iota + 1
	StateSending
	StateSent
	StateDelivered
	StateRead
	StateFailed
	StateDeleted
)

var stateNames = map[SendState]string{
	StatePending:   "pending",
	StateSending:   "sending",
	StateSent:      "sent",
	StateDelivered: "delivered",
	StateRead:      "read",
	StateFailed:    "failed",
	StateDeleted:   "deleted",
}

func (s SendState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SendState(%d)", uint8(s))
}

func ParseSendState(v string) (SendState, error) {
	for s, n := range stateNames {
		if n == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown send state %q", v)
}

// Confirmed reports whether the server has acknowledged the entry.
func (s SendState) Confirmed() bool {
	return s == StateSent || s == StateDelivered || s == StateRead
}

// Terminal reports whether no further transition is possible.
func (s SendState) Terminal() bool {
	return s == StateFailed || s == StateDeleted
}

// CanTransition reports whether from -> to is a legal edge. sending -> pending
// is the only backward edge: a retryable failure requeues the entry.
func CanTransition(from, to SendState) bool {
	switch from {
	case StatePending:
		return to == StateSending || to == StateFailed || to.Confirmed()
	case StateSending:
		return to == StatePending || to == StateFailed || to.Confirmed()
	case StateSent, StateDelivered, StateRead:
		return to == StateDeleted || (to.Confirmed() && to > from)
	default:
		return false
	}
}

// MessageEntry is one conversation message as the timeline sees it. ID is
// stable across the optimistic -> confirmed transition.
type MessageEntry struct {
	ID             string    `json:"id"`
	RemoteID       string    `json:"remote_id,omitempty"`
	CorrelationID  string    `json:"correlation_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	State          SendState `json:"state"`
	CreatedAt      time.Time `json:"created_at"`

	// Seq is the server-assigned ordering key; zero until confirmed.
	Seq int64 `json:"seq"`
	// LocalSeq orders optimistic entries among themselves.
	LocalSeq uint64 `json:"local_seq"`

	Plaintext   *string   `json:"-"`
	Envelope    *Envelope `json:"-"`
	Unencrypted bool      `json:"unencrypted"`
	Outgoing    bool      `json:"outgoing"`
	// FailureReason is set when State is failed.
	FailureReason string `json:"failure_reason,omitempty"`
	// DecryptErr is set when the envelope could not be opened.
	DecryptErr error `json:"-"`
}

// Transition moves the entry to state to. Deleting clears the payload.
func (e *MessageEntry) Transition(to SendState) error {
	if e.State == to {
		return nil
	}
	if !CanTransition(e.State, to) {
		return fmt.Errorf("%w: %s -> %s (entry %s)", ErrInvalidTransition, e.State, to, e.ID)
	}
	e.State = to
	if to == StateDeleted {
		e.Plaintext = nil
		e.Envelope = nil
		e.DecryptErr = nil
	}
	return nil
}

func (e *MessageEntry) Optimistic() bool {
	return e.RemoteID == ""
}

// Clone returns a copy that shares no mutable pointers with e.
func (e *MessageEntry) Clone() MessageEntry {
	c := *e
	if e.Plaintext != nil {
		p := *e.Plaintext
		c.Plaintext = &p
	}
	if e.Envelope != nil {
		env := *e.Envelope
		if e.Envelope.Handshake != nil {
			hs := *e.Envelope.Handshake
			env.Handshake = &hs
		}
		c.Envelope = &env
	}
	return c
}
