package app

import (
	"fmt"

	"github.com/rivo/tview"

	"e2e_sync/internal/model"
	"e2e_sync/internal/service/timeline"
)

func stateMark(e model.MessageEntry) string {
	switch e.State {
	case model.StatePending:
		return "[gray](queued)[-]"
	case model.StateSending:
		return "[gray](sending)[-]"
	case model.StateSent:
		return "[gray]✓[-]"
	case model.StateDelivered:
		return "[gray]✓✓[-]"
	case model.StateRead:
		return "[blue]✓✓[-]"
	case model.StateFailed:
		if e.FailureReason != "" {
			return fmt.Sprintf("[red](failed: %s)[-]", tview.Escape(e.FailureReason))
		}
		return "[red](failed)[-]"
	default:
		return ""
	}
}

// formatEntry renders one timeline line with tview color tags. Message text
// is escaped so it cannot inject tags.
func formatEntry(e model.MessageEntry, d timeline.Display, selfID string) string {
	var who string
	if e.SenderID == selfID {
		who = "[yellow]You:[-]"
	} else {
		who = fmt.Sprintf("[green]%s:[-]", tview.Escape(e.SenderID))
	}

	var body string
	switch d.Kind {
	case timeline.DisplayUndecryptable, timeline.DisplayDeleted:
		body = fmt.Sprintf("[::i]%s[::-]", tview.Escape(d.Text))
	case timeline.DisplayUnencrypted:
		body = "[red]![-] " + tview.Escape(d.Text)
	default:
		body = tview.Escape(d.Text)
	}

	line := who + " " + body
	if e.Outgoing && d.Kind != timeline.DisplayDeleted {
		if mark := stateMark(e); mark != "" {
			line += " " + mark
		}
	}
	return line
}

func statusLine(online bool, pending int, more bool) string {
	conn := "[green]online[-]"
	if !online {
		conn = "[red]offline[-]"
	}
	line := fmt.Sprintf(" %s | %d pending", conn, pending)
	if more {
		line += " | /older for history"
	}
	return line
}
