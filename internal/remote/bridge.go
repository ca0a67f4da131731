package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"e2e_sync/internal/model"
	"e2e_sync/internal/utils/log"
)

const (
	DefaultReconnectBase = 500 * time.Millisecond
	DefaultReconnectMax  = 30 * time.Second
)

type (
	// Bridge keeps one websocket to the server open, re-dialing with backoff,
	// and routes events to per-conversation handlers.
	Bridge struct {
		url           string
		dialer        *websocket.Dialer
		reconnectBase time.Duration
		reconnectMax  time.Duration
		logger        *zap.Logger

		mu       sync.Mutex
		handlers map[string]map[uint64]func(model.Event)
		nextID   uint64
		conn     *websocket.Conn

		writeMu      sync.Mutex
		online       atomic.Bool
		connectivity chan bool
	}
)

// NewBridge returns a bridge for userID on the server at baseURL (http or
// https; the websocket scheme is derived).
func NewBridge(baseURL, userID string) (*Bridge, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	u.RawQuery = url.Values{"userID": []string{userID}}.Encode()

	return &Bridge{
		url:           u.String(),
		dialer:        websocket.DefaultDialer,
		reconnectBase: DefaultReconnectBase,
		reconnectMax:  DefaultReconnectMax,
		logger:        log.Named("bridge").With(zap.String("user", userID)),
		handlers:      make(map[string]map[uint64]func(model.Event)),
		connectivity:  make(chan bool, 1),
	}, nil
}

func (b *Bridge) Online() bool {
	return b.online.Load()
}

// Connectivity reports online changes. Only the latest value is kept when
// the reader falls behind.
func (b *Bridge) Connectivity() <-chan bool {
	return b.connectivity
}

func (b *Bridge) setOnline(online bool) {
	if b.online.Swap(online) == online {
		return
	}
	select {
	case <-b.connectivity:
	default:
	}
	b.connectivity <- online
}

// Subscribe routes events of conversationID to handler until the returned
// function is called.
func (b *Bridge) Subscribe(ctx context.Context, conversationID string, handler func(model.Event)) (func(), error) {
	b.mu.Lock()
	set, ok := b.handlers[conversationID]
	if !ok {
		set = make(map[uint64]func(model.Event))
		b.handlers[conversationID] = set
	}
	b.nextID++
	id := b.nextID
	set[id] = handler
	conn := b.conn
	b.mu.Unlock()

	if !ok && conn != nil {
		if err := b.write(conn, model.Frame{Op: model.OpSubscribe, ConversationID: conversationID}); err != nil {
			// Run resubscribes everything on the next connection.
			b.logger.Warn("subscribe frame failed", zap.Error(err))
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(conversationID, id) })
	}, nil
}

func (b *Bridge) unsubscribe(conversationID string, id uint64) {
	b.mu.Lock()
	set := b.handlers[conversationID]
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(b.handlers, conversationID)
	}
	conn := b.conn
	b.mu.Unlock()

	if last && conn != nil {
		if err := b.write(conn, model.Frame{Op: model.OpUnsubscribe, ConversationID: conversationID}); err != nil {
			b.logger.Debug("unsubscribe frame failed", zap.Error(err))
		}
	}
}

func (b *Bridge) write(conn *websocket.Conn, frame model.Frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

// Run keeps the connection up until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		conn, err := b.dial(ctx)
		if err != nil {
			return err
		}
		b.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	backoff := retry.WithCappedDuration(b.reconnectMax, retry.NewExponential(b.reconnectBase))

	var conn *websocket.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, _, err := b.dialer.DialContext(ctx, b.url, nil)
		if err != nil {
			b.logger.Debug("dial failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	return conn, err
}

func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn) {
	b.mu.Lock()
	b.conn = conn
	convs := make([]string, 0, len(b.handlers))
	for conv := range b.handlers {
		convs = append(convs, conv)
	}
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		conn.Close()
		b.setOnline(false)
	}()

	for _, conv := range convs {
		if err := b.write(conn, model.Frame{Op: model.OpSubscribe, ConversationID: conv}); err != nil {
			b.logger.Warn("resubscribe failed", zap.Error(err))
			return
		}
	}
	b.setOnline(true)
	b.logger.Info("realtime connected", zap.Int("subscriptions", len(convs)))

	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				b.logger.Warn("realtime disconnected", zap.Error(err))
			}
			return
		}
		b.dispatch(ev)
	}
}

func (b *Bridge) dispatch(ev model.Event) {
	b.mu.Lock()
	hs := make([]func(model.Event), 0, len(b.handlers[ev.Row.ConversationID]))
	for _, h := range b.handlers[ev.Row.ConversationID] {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}
