package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"e2e_sync/internal/model"
	"e2e_sync/internal/service/timeline"
)

func TestFormatEntry(t *testing.T) {
	own := model.MessageEntry{SenderID: "alice", Outgoing: true}

	tests := []struct {
		name  string
		entry model.MessageEntry
		d     timeline.Display
		want  string
	}{
		{
			name:  "queued",
			entry: withState(own, model.StatePending),
			d:     timeline.Display{Text: "hi", Kind: timeline.DisplayPlaintext},
			want:  "[yellow]You:[-] hi [gray](queued)[-]",
		},
		{
			name:  "sent",
			entry: withState(own, model.StateSent),
			d:     timeline.Display{Text: "hi", Kind: timeline.DisplayPlaintext},
			want:  "[yellow]You:[-] hi [gray]✓[-]",
		},
		{
			name: "failed with reason",
			entry: func() model.MessageEntry {
				e := withState(own, model.StateFailed)
				e.FailureReason = "handshake failed"
				return e
			}(),
			d:    timeline.Display{Text: "hi", Kind: timeline.DisplayPlaintext},
			want: "[yellow]You:[-] hi [red](failed: handshake failed)[-]",
		},
		{
			name:  "incoming undecryptable",
			entry: model.MessageEntry{SenderID: "bob", State: model.StateSent},
			d:     timeline.Display{Text: "[unable to decrypt this message]", Kind: timeline.DisplayUndecryptable},
			want:  "[green]bob:[-] [::i][unable to decrypt this message[][::-]",
		},
		{
			name:  "incoming unencrypted",
			entry: model.MessageEntry{SenderID: "bob", State: model.StateSent},
			d:     timeline.Display{Text: "yo", Kind: timeline.DisplayUnencrypted},
			want:  "[green]bob:[-] [red]![-] yo",
		},
		{
			name:  "own deleted has no mark",
			entry: withState(own, model.StateDeleted),
			d:     timeline.Display{Text: "[message deleted]", Kind: timeline.DisplayDeleted},
			want:  "[yellow]You:[-] [::i][message deleted[][::-]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEntry(tt.entry, tt.d, "alice"))
		})
	}
}

func TestFormatEntryEscapesTags(t *testing.T) {
	e := model.MessageEntry{SenderID: "bob", State: model.StateSent}
	got := formatEntry(e, timeline.Display{Text: "[red]boo", Kind: timeline.DisplayPlaintext}, "alice")
	assert.Equal(t, "[green]bob:[-] [red[]boo", got)
}

func TestStatusLine(t *testing.T) {
	assert.Equal(t, " [green]online[-] | 0 pending", statusLine(true, 0, false))
	assert.Equal(t, " [red]offline[-] | 3 pending | /older for history", statusLine(false, 3, true))
}

func withState(e model.MessageEntry, s model.SendState) model.MessageEntry {
	e.State = s
	return e
}
