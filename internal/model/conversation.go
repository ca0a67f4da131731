package model

import (
	"fmt"
	"strings"
)

const directPrefix = "dm:"

// DirectConversationID returns the conversation id shared by a and b.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + a + ":" + b
}

// PeerOf returns the other participant of a direct conversation.
func PeerOf(conversationID, self string) (string, error) {
	rest, ok := strings.CutPrefix(conversationID, directPrefix)
	if !ok {
		return "", fmt.Errorf("not a direct conversation: %q", conversationID)
	}
	a, b, ok := strings.Cut(rest, ":")
	if !ok || a == "" || b == "" {
		return "", fmt.Errorf("malformed conversation id %q", conversationID)
	}
	switch self {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", fmt.Errorf("%s is not a member of %s", self, conversationID)
}

// PlaintextKey is the plaintext cache key of a message. Correlation ids are
// unique within a conversation.
func PlaintextKey(conversationID, correlationID string) string {
	return conversationID + "/" + correlationID
}
