package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"e2e_sync/internal/model"
	"e2e_sync/internal/service/timeline"
	"e2e_sync/internal/utils/log"
)

const statusInterval = time.Second

type (
	// Engine is the part of engine.Engine the chat screen drives.
	Engine interface {
		UserID() string
		Open(ctx context.Context, peerID string) (*timeline.Timeline, error)
		Close(conversationID string)
		Send(ctx context.Context, peerID, text string) (model.MessageEntry, error)
		Resend(ctx context.Context, entryID string) (model.MessageEntry, error)
		Online() bool
		PendingCount() int
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		status  *tview.TextView
		input   *tview.InputField

		engine Engine
		peerID string
		tl     *timeline.Timeline

		refresh chan struct{}
	}
)

func NewApp(engine Engine) *App {
	return &App{
		app:     tview.NewApplication(),
		engine:  engine,
		refresh: make(chan struct{}, 1),
	}
}

// Run opens the conversation with peerID and blocks until the user quits or
// ctx is done.
func (c *App) Run(ctx context.Context, peerID string) error {
	tl, err := c.engine.Open(ctx, peerID)
	if err != nil {
		return fmt.Errorf("open conversation with %s: %w", peerID, err)
	}
	defer c.engine.Close(tl.ConversationID())
	c.peerID = peerID
	c.tl = tl

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.build()
	tl.OnChange(c.requestRefresh)
	go c.refreshLoop(ctx)
	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()
	c.requestRefresh()

	if err := c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run(); err != nil {
		return fmt.Errorf("run terminal ui: %w", err)
	}
	return nil
}

func (c *App) build() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", tview.Escape(c.peerID)))

	c.status = tview.NewTextView().SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message (/older, /resend, /quit) ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")
		if text == "/quit" {
			c.app.Stop()
			return
		}
		go c.submit(text)
	})
}

func (c *App) layout() tview.Primitive {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)
}

// submit runs off the UI goroutine; the engine may block on storage.
func (c *App) submit(text string) {
	ctx := context.Background()
	var err error
	switch text {
	case "/older":
		_, err = c.tl.LoadOlderPage(ctx)
		if err == nil {
			err = c.tl.Resolve(ctx)
		}
	case "/resend":
		err = c.resendLastFailed(ctx)
	default:
		_, err = c.engine.Send(ctx, c.peerID, text)
	}
	if err != nil {
		log.Warn("chat command failed", zap.String("command", commandName(text)), zap.Error(err))
		c.app.QueueUpdateDraw(func() {
			c.status.SetText(fmt.Sprintf("[red]%s[-]", tview.Escape(err.Error())))
		})
	}
}

func commandName(text string) string {
	if strings.HasPrefix(text, "/") {
		return text
	}
	return "send"
}

func (c *App) resendLastFailed(ctx context.Context) error {
	entries := c.tl.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Outgoing && e.State == model.StateFailed {
			_, err := c.engine.Resend(ctx, e.ID)
			return err
		}
	}
	return fmt.Errorf("%w: no failed message", model.ErrNotFound)
}

func (c *App) requestRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// refreshLoop redraws on timeline changes and ticks the status line.
// Display text is computed here so decryption never runs on the UI goroutine.
func (c *App) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.refresh:
		case <-ticker.C:
		}

		lines := c.render(ctx)
		status := statusLine(c.engine.Online(), c.engine.PendingCount(), c.tl.HasMore())
		c.app.QueueUpdateDraw(func() {
			c.chatbox.SetText(strings.Join(lines, "\n"))
			c.chatbox.ScrollToEnd()
			c.status.SetText(status)
		})
	}
}

func (c *App) render(ctx context.Context) []string {
	entries := c.tl.Entries()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		d, err := c.tl.GetDisplayText(ctx, e.ID)
		if err != nil {
			continue
		}
		lines = append(lines, formatEntry(e, d, c.engine.UserID()))
	}
	return lines
}
