package timeline

type DisplayKind uint8

const (
	DisplayPlaintext DisplayKind = iota + 1
	// DisplayUnencrypted is plaintext that was sent without end-to-end
	// encryption.
	DisplayUnencrypted
	DisplayUndecryptable
	DisplayDeleted
)

const (
	undecryptableText = "[unable to decrypt this message]"
	deletedText       = "[message deleted]"
)

func (k DisplayKind) String() string {
	switch k {
	case DisplayPlaintext:
		return "plaintext"
	case DisplayUnencrypted:
		return "unencrypted"
	case DisplayUndecryptable:
		return "undecryptable"
	case DisplayDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Display is what the UI renders for one entry.
type Display struct {
	Text string
	Kind DisplayKind
}
