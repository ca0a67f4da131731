// Package engine wires identity, sessions, outbox and timelines of one local
// user to the remote key directory, message store and realtime bridge.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"e2e_sync/internal/model"
	"e2e_sync/internal/service/identity"
	"e2e_sync/internal/service/outbox"
	"e2e_sync/internal/service/session"
	"e2e_sync/internal/service/timeline"
	"e2e_sync/internal/utils/log"
)

const DefaultMaintenanceInterval = time.Hour

var ErrNotStarted = errors.New("engine not started")

type (
	Directory interface {
		PublishIdentity(ctx context.Context, b *model.PublicBundle) error
		PublishPreKeys(ctx context.Context, b *model.PreKeyBundle) error
		FetchBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error)
		Revoke(ctx context.Context, userID string) error
	}

	RemoteStore interface {
		InsertMessage(ctx context.Context, row *model.Row) (*model.Row, error)
		FetchPage(ctx context.Context, conversationID string, beforeSeq int64, limit int) (*model.Page, error)
		UpdateMessage(ctx context.Context, id string, patch model.RowPatch) (*model.Row, error)
	}

	Bridge interface {
		Subscribe(ctx context.Context, conversationID string, handler func(model.Event)) (func(), error)
		Online() bool
		Connectivity() <-chan bool
	}

	// LocalStore is everything the engine keeps on the device.
	LocalStore interface {
		identity.Keystore
		session.Store
		outbox.Store
		timeline.PlaintextCache
	}

	Options struct {
		UserID               string
		OneTimePreKeyCount   int
		SignedPreKeyRotation time.Duration
		// MaintenanceInterval is how often prekeys are rotated and topped up.
		MaintenanceInterval time.Duration
		PageSize            int
		Session             session.Options
		Outbox              outbox.Options
	}

	conversation struct {
		timeline    *timeline.Timeline
		unsubscribe func()
	}

	Engine struct {
		opts   Options
		local  LocalStore
		dir    Directory
		remote RemoteStore
		bridge Bridge
		keys   *identity.Store
		logger *zap.Logger

		self     *model.Identity
		sessions *session.Manager
		outbox   *outbox.Outbox

		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu            sync.Mutex
		ctx           context.Context
		conversations map[string]*conversation
		published     bool
		runErr        error
	}
)

func New(opts Options, local LocalStore, dir Directory, remote RemoteStore, bridge Bridge) *Engine {
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = DefaultMaintenanceInterval
	}
	return &Engine{
		opts:          opts,
		local:         local,
		dir:           dir,
		remote:        remote,
		bridge:        bridge,
		keys:          identity.NewStore(local, identity.Options{OneTimePreKeyCount: opts.OneTimePreKeyCount}),
		logger:        log.Named("engine").With(zap.String("user", opts.UserID)),
		conversations: make(map[string]*conversation),
	}
}

// Start loads or creates the identity, publishes keys, restores the outbox and
// starts the background loops. It returns once the engine can send.
func (e *Engine) Start(ctx context.Context) error {
	id, err := e.keys.GetOrCreateIdentity(ctx, e.opts.UserID)
	if err != nil {
		return err
	}
	e.self = id
	if e.opts.SignedPreKeyRotation > 0 && e.keys.SignedPreKeyDue(id, e.opts.SignedPreKeyRotation) {
		if err := e.keys.RotateSignedPreKey(ctx, id); err != nil {
			return err
		}
	}

	e.sessions = session.NewManager(id, e.keys, e.dir, e.local, e.opts.Session)
	e.outbox = outbox.New(e.opts.UserID, e.sessions, e.remote, e.local, e.local, e.opts.Outbox)
	e.outbox.Subscribe(e.onLocal)
	if _, err := e.outbox.Restore(ctx); err != nil {
		return err
	}
	e.outbox.SetOnline(e.bridge.Online())

	if err := e.PublishKeys(ctx); err != nil {
		e.logger.Warn("publish keys, retrying on reconnect", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.ctx = runCtx
	e.mu.Unlock()
	e.cancel = cancel

	e.goRun("outbox", e.outbox.Run)
	e.goRun("connectivity", e.watchConnectivity)
	e.goRun("maintenance", e.maintain)
	if r, ok := e.bridge.(interface{ Run(context.Context) error }); ok {
		e.goRun("bridge", r.Run)
	}
	e.logger.Info("engine started", zap.Int("pending", e.outbox.PendingCount()))
	return nil
}

func (e *Engine) goRun(name string, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.runContext()); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("loop stopped", zap.String("loop", name), zap.Error(err))
			e.mu.Lock()
			e.runErr = multierr.Append(e.runErr, fmt.Errorf("%s: %w", name, err))
			e.mu.Unlock()
		}
	}()
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// PublishKeys uploads the public identity and the current prekey bundle,
// replacing the server's one-time prekey pool.
func (e *Engine) PublishKeys(ctx context.Context) error {
	if e.self == nil {
		return ErrNotStarted
	}
	pub, err := e.keys.ExportPublicBundle(e.self)
	if err != nil {
		return err
	}
	pre, err := e.keys.CreatePreKeyBundle(ctx, e.self)
	if err != nil {
		return err
	}
	if err := e.dir.PublishIdentity(ctx, pub); err != nil {
		return fmt.Errorf("publish identity: %w", err)
	}
	if err := e.dir.PublishPreKeys(ctx, pre); err != nil {
		return fmt.Errorf("publish prekeys: %w", err)
	}
	e.mu.Lock()
	e.published = true
	e.mu.Unlock()
	e.logger.Info("published keys", zap.Int("one_time_prekeys", len(pre.OneTimePreKeys)))
	return nil
}

func (e *Engine) watchConnectivity(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-e.bridge.Connectivity():
			e.outbox.SetOnline(online)
			if online {
				e.reconnected(ctx)
			}
		}
	}
}

// reconnected republishes keys if the last attempt failed and reloads the
// newest page of every open conversation to pick up missed events.
func (e *Engine) reconnected(ctx context.Context) {
	e.mu.Lock()
	published := e.published
	convs := make([]*timeline.Timeline, 0, len(e.conversations))
	for _, c := range e.conversations {
		convs = append(convs, c.timeline)
	}
	e.mu.Unlock()

	if !published {
		if err := e.PublishKeys(ctx); err != nil {
			e.logger.Warn("republish keys", zap.Error(err))
		}
	}
	for _, tl := range convs {
		if err := tl.LoadInitialPage(ctx); err != nil {
			e.logger.Warn("catch up", zap.String("conversation", tl.ConversationID()), zap.Error(err))
			continue
		}
		e.resolve(ctx, tl)
	}
}

func (e *Engine) maintain(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Maintain(ctx); err != nil {
				e.logger.Warn("key maintenance", zap.Error(err))
			}
		}
	}
}

// Maintain rotates the signed prekey when due and republishes the prekey
// bundle when the one-time pool has dropped below half.
func (e *Engine) Maintain(ctx context.Context) error {
	if e.self == nil {
		return ErrNotStarted
	}
	republish := false
	if e.opts.SignedPreKeyRotation > 0 && e.keys.SignedPreKeyDue(e.self, e.opts.SignedPreKeyRotation) {
		if err := e.keys.RotateSignedPreKey(ctx, e.self); err != nil {
			return err
		}
		republish = true
	}
	if e.keys.OneTimePreKeyCount(e.self) < e.opts.OneTimePreKeyCount/2 {
		republish = true
	}
	if !republish {
		return nil
	}
	return e.PublishKeys(ctx)
}

// onLocal forwards outbox state changes to the open timeline.
func (e *Engine) onLocal(entry model.MessageEntry) {
	e.mu.Lock()
	c := e.conversations[entry.ConversationID]
	e.mu.Unlock()
	if c != nil {
		c.timeline.ApplyLocal(entry)
	}
}

func (e *Engine) onEvent(tl *timeline.Timeline, ev model.Event) {
	ctx := e.runContext()
	if err := tl.ApplyRealtimeEvent(ctx, ev); err != nil {
		e.logger.Warn("realtime event", zap.Error(err))
		return
	}
	e.resolve(ctx, tl)
}

func (e *Engine) resolve(ctx context.Context, tl *timeline.Timeline) {
	if err := tl.Resolve(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("resolve", zap.String("conversation", tl.ConversationID()), zap.Error(err))
	}
}

// Open returns the timeline of the direct conversation with peerID, loading
// its newest page and the local entries not yet on the server. Opening an
// open conversation returns the same timeline.
func (e *Engine) Open(ctx context.Context, peerID string) (*timeline.Timeline, error) {
	if e.outbox == nil {
		return nil, ErrNotStarted
	}
	conv := model.DirectConversationID(e.opts.UserID, peerID)

	e.mu.Lock()
	if c, ok := e.conversations[conv]; ok {
		e.mu.Unlock()
		return c.timeline, nil
	}
	tl := timeline.New(conv, e.opts.UserID, e.remote, e.sessions, e.local, e.opts.PageSize)
	c := &conversation{timeline: tl}
	e.conversations[conv] = c
	e.mu.Unlock()

	unsubscribe, err := e.bridge.Subscribe(ctx, conv, func(ev model.Event) { e.onEvent(tl, ev) })
	if err != nil {
		e.mu.Lock()
		delete(e.conversations, conv)
		e.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", conv, err)
	}
	e.mu.Lock()
	c.unsubscribe = unsubscribe
	e.mu.Unlock()

	for _, p := range e.outbox.Pending(conv) {
		tl.AddOptimistic(p)
	}
	for _, f := range e.outbox.Failed(conv) {
		tl.AddOptimistic(f)
	}

	if err := tl.LoadInitialPage(ctx); err != nil {
		if !errors.Is(err, model.ErrNetworkUnavailable) {
			e.Close(conv)
			return nil, err
		}
		e.logger.Info("opened offline", zap.String("conversation", conv))
	}
	e.resolve(ctx, tl)
	return tl, nil
}

// Close stops realtime updates for conversationID and forgets its timeline.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	c, ok := e.conversations[conversationID]
	delete(e.conversations, conversationID)
	e.mu.Unlock()
	if ok && c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Send queues text for peerID and returns the optimistic entry.
func (e *Engine) Send(ctx context.Context, peerID, text string) (model.MessageEntry, error) {
	if e.outbox == nil {
		return model.MessageEntry{}, ErrNotStarted
	}
	return e.outbox.Enqueue(ctx, model.DirectConversationID(e.opts.UserID, peerID), text)
}

// Resend queues the text of a failed entry again as a new entry. The failed
// entry stays in an open timeline until it is reopened.
func (e *Engine) Resend(ctx context.Context, entryID string) (model.MessageEntry, error) {
	if e.outbox == nil {
		return model.MessageEntry{}, ErrNotStarted
	}
	return e.outbox.Resend(ctx, entryID)
}

// Entry returns a sent entry that is still queued or has failed. A false
// result for an id returned by Send means the server confirmed it.
func (e *Engine) Entry(entryID string) (model.MessageEntry, bool) {
	if e.outbox == nil {
		return model.MessageEntry{}, false
	}
	return e.outbox.Entry(entryID)
}

// MarkRead patches a confirmed incoming entry to read.
func (e *Engine) MarkRead(ctx context.Context, peerID, entryID string) error {
	return e.patch(ctx, peerID, entryID, model.RowPatch{State: ptr(model.StateRead.String())})
}

// Delete removes a confirmed entry for both sides.
func (e *Engine) Delete(ctx context.Context, peerID, entryID string) error {
	return e.patch(ctx, peerID, entryID, model.RowPatch{Deleted: true})
}

func ptr[T any](v T) *T { return &v }

func (e *Engine) patch(ctx context.Context, peerID, entryID string, patch model.RowPatch) error {
	conv := model.DirectConversationID(e.opts.UserID, peerID)
	e.mu.Lock()
	c, ok := e.conversations[conv]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: conversation %s is not open", model.ErrNotFound, conv)
	}
	entry, ok := c.timeline.Entry(entryID)
	if !ok || entry.RemoteID == "" {
		return fmt.Errorf("%w: confirmed entry %s", model.ErrNotFound, entryID)
	}

	row, err := e.remote.UpdateMessage(ctx, entry.RemoteID, patch)
	if err != nil {
		return err
	}
	typ := model.EventUpdate
	if patch.Deleted {
		typ = model.EventDelete
	}
	return c.timeline.ApplyRealtimeEvent(ctx, model.Event{Type: typ, Row: *row})
}

// ResetSession drops the session with peerID; the next send negotiates a new
// one. Used to recover from a desynchronised session.
func (e *Engine) ResetSession(ctx context.Context, peerID string) error {
	if e.sessions == nil {
		return ErrNotStarted
	}
	return e.sessions.Reset(ctx, peerID)
}

// Revoke withdraws this user's prekeys; peers can no longer start sessions.
func (e *Engine) Revoke(ctx context.Context) error {
	return e.dir.Revoke(ctx, e.opts.UserID)
}

// Flush attempts every due outbox item now.
func (e *Engine) Flush(ctx context.Context) error {
	if e.outbox == nil {
		return ErrNotStarted
	}
	return e.outbox.Flush(ctx)
}

func (e *Engine) UserID() string { return e.opts.UserID }

func (e *Engine) Online() bool { return e.bridge.Online() }

func (e *Engine) PendingCount() int {
	if e.outbox == nil {
		return 0
	}
	return e.outbox.PendingCount()
}

// Stop closes every conversation, stops the background loops and returns the
// errors they stopped with.
func (e *Engine) Stop() error {
	e.mu.Lock()
	convs := make([]string, 0, len(e.conversations))
	for id := range e.conversations {
		convs = append(convs, id)
	}
	e.mu.Unlock()
	for _, id := range convs {
		e.Close(id)
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.runErr
	e.runErr = nil
	e.logger.Info("engine stopped")
	return err
}
