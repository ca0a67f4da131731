package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/cipher"
	"e2e_sync/internal/utils/log"
)

const (
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 5 * time.Minute
	DefaultMaxAttempts    = 10
	DefaultFlushInterval  = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

type (
	// Encrypter produces the envelope for one message. Implemented by
	// session.Manager.
	Encrypter interface {
		Encrypt(ctx context.Context, peerID string, plaintext []byte, correlationID string) (*model.Envelope, error)
	}

	// Inserter writes a message row. Inserting a correlation id twice returns
	// the existing row.
	Inserter interface {
		InsertMessage(ctx context.Context, row *model.Row) (*model.Row, error)
	}

	// Store persists queued items so they survive restarts.
	Store interface {
		SaveItem(ctx context.Context, item *model.OutboxItem) error
		DeleteItem(ctx context.Context, entryID string) error
		LoadItems(ctx context.Context) ([]*model.OutboxItem, error)
	}

	PlaintextCache interface {
		PutPlaintext(ctx context.Context, key, text string) error
	}

	Options struct {
		BaseDelay      time.Duration
		MaxDelay       time.Duration
		MaxAttempts    int
		FlushInterval  time.Duration
		RequestTimeout time.Duration
		// AllowUnencryptedFallback sends an explicit unencrypted envelope when
		// the peer has no prekey bundle.
		AllowUnencryptedFallback bool
		Clock                    Clock
	}

	pending struct {
		item  *model.OutboxItem
		entry model.MessageEntry
	}

	Outbox struct {
		selfID string
		enc    Encrypter
		remote Inserter
		store  Store
		cache  PlaintextCache
		opts   Options
		clock  Clock
		logger *zap.Logger
		wake   chan struct{}

		mu        sync.Mutex
		items     map[string]*pending
		failed    map[string]*pending
		queue     delayQueue
		seq       uint64
		online    bool
		listeners []func(model.MessageEntry)
	}
)

func New(selfID string, enc Encrypter, remote Inserter, store Store, cache PlaintextCache, opts Options) *Outbox {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Outbox{
		selfID: selfID,
		enc:    enc,
		remote: remote,
		store:  store,
		cache:  cache,
		opts:   opts,
		clock:  clock,
		logger: log.Named("outbox").With(zap.String("user", selfID)),
		wake:   make(chan struct{}, 1),
		items:  make(map[string]*pending),
		failed: make(map[string]*pending),
		online: true,
	}
}

// Subscribe registers fn for entry state changes. fn must not block.
func (o *Outbox) Subscribe(fn func(model.MessageEntry)) {
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

func (o *Outbox) notify(e model.MessageEntry) {
	o.mu.Lock()
	ls := append(([]func(model.MessageEntry))(nil), o.listeners...)
	o.mu.Unlock()
	for _, fn := range ls {
		fn(e)
	}
}

func (o *Outbox) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Restore reloads persisted items and returns their entries in enqueue order.
// Failed items come back as failed entries and are not retried.
func (o *Outbox) Restore(ctx context.Context) ([]model.MessageEntry, error) {
	items, err := o.store.LoadItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	entries := make([]model.MessageEntry, 0, len(items))
	restored := 0
	for _, it := range items {
		if _, ok := o.items[it.EntryID]; ok {
			continue
		}
		if _, ok := o.failed[it.EntryID]; ok {
			continue
		}
		text := string(it.Plaintext)
		p := &pending{
			item: it,
			entry: model.MessageEntry{
				ID:             it.EntryID,
				CorrelationID:  it.CorrelationID,
				ConversationID: it.ConversationID,
				SenderID:       o.selfID,
				State:          model.StatePending,
				CreatedAt:      it.CreatedAt,
				LocalSeq:       it.Seq,
				Plaintext:      &text,
				Unencrypted:    it.Unencrypted,
				Outgoing:       true,
			},
		}
		if it.Seq > o.seq {
			o.seq = it.Seq
		}
		if it.Failed {
			p.entry.State = model.StateFailed
			p.entry.FailureReason = it.FailureReason
			o.failed[it.EntryID] = p
		} else {
			o.items[it.EntryID] = p
			o.queue.schedule(it.EntryID, it.NextAttemptAt, it.Seq)
			restored++
		}
		entries = append(entries, p.entry.Clone())
	}
	if len(entries) > 0 {
		o.logger.Info("restored outbox", zap.Int("items", restored), zap.Int("failed", len(entries)-restored))
	}
	return entries, nil
}

// Enqueue queues plaintext for conversationID and returns the optimistic
// entry. The item is durable when Enqueue returns.
func (o *Outbox) Enqueue(ctx context.Context, conversationID, plaintext string) (model.MessageEntry, error) {
	peerID, err := model.PeerOf(conversationID, o.selfID)
	if err != nil {
		return model.MessageEntry{}, err
	}
	now := o.clock.Now()

	o.mu.Lock()
	o.seq++
	seq := o.seq
	o.mu.Unlock()

	text := plaintext
	entry := model.MessageEntry{
		ID:             uuid.NewString(),
		CorrelationID:  uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       o.selfID,
		State:          model.StatePending,
		CreatedAt:      now.UTC(),
		LocalSeq:       seq,
		Plaintext:      &text,
		Outgoing:       true,
	}
	item := &model.OutboxItem{
		EntryID:        entry.ID,
		ConversationID: conversationID,
		PeerID:         peerID,
		CorrelationID:  entry.CorrelationID,
		Plaintext:      []byte(plaintext),
		Seq:            seq,
		NextAttemptAt:  now,
		CreatedAt:      entry.CreatedAt,
	}
	if err := o.store.SaveItem(ctx, item); err != nil {
		return model.MessageEntry{}, fmt.Errorf("persist outbox item: %w", err)
	}
	if err := o.cache.PutPlaintext(ctx, model.PlaintextKey(conversationID, entry.CorrelationID), plaintext); err != nil {
		o.logger.Warn("cache own plaintext", zap.String("entry", entry.ID), zap.Error(err))
	}

	o.mu.Lock()
	o.items[entry.ID] = &pending{item: item, entry: entry}
	o.queue.schedule(entry.ID, now, seq)
	o.mu.Unlock()

	o.logger.Debug("enqueued", zap.String("entry", entry.ID), zap.String("conversation", conversationID))
	o.notify(entry.Clone())
	o.kick()
	return entry.Clone(), nil
}

// PendingCount returns the number of unsent items.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Pending returns the queued entries of conversationID in enqueue order.
func (o *Outbox) Pending(conversationID string) []model.MessageEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.MessageEntry
	for _, p := range o.items {
		if p.item.ConversationID == conversationID {
			out = append(out, p.entry.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalSeq < out[j].LocalSeq })
	return out
}

// Failed returns the failed entries of conversationID in enqueue order.
func (o *Outbox) Failed(conversationID string) []model.MessageEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.MessageEntry
	for _, p := range o.failed {
		if p.item.ConversationID == conversationID {
			out = append(out, p.entry.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalSeq < out[j].LocalSeq })
	return out
}

// Entry returns the entry of a queued or failed item. An entry that is
// neither was confirmed by the server.
func (o *Outbox) Entry(entryID string) (model.MessageEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.items[entryID]; ok {
		return p.entry.Clone(), true
	}
	if p, ok := o.failed[entryID]; ok {
		return p.entry.Clone(), true
	}
	return model.MessageEntry{}, false
}

// Resend queues the text of a failed entry again as a new entry and drops
// the failed item.
func (o *Outbox) Resend(ctx context.Context, entryID string) (model.MessageEntry, error) {
	o.mu.Lock()
	p, ok := o.failed[entryID]
	delete(o.failed, entryID)
	o.mu.Unlock()
	if !ok {
		return model.MessageEntry{}, fmt.Errorf("%w: failed entry %s", model.ErrNotFound, entryID)
	}

	entry, err := o.Enqueue(ctx, p.item.ConversationID, string(p.item.Plaintext))
	if err != nil {
		o.mu.Lock()
		o.failed[entryID] = p
		o.mu.Unlock()
		return model.MessageEntry{}, err
	}
	if err := o.store.DeleteItem(context.WithoutCancel(ctx), entryID); err != nil {
		o.logger.Error("delete failed item", zap.String("entry", entryID), zap.Error(err))
	}
	return entry, nil
}

func (o *Outbox) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// SetOnline records connectivity. Coming back online triggers a flush.
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	o.mu.Unlock()
	if online && !was {
		o.logger.Info("back online, flushing")
		o.kick()
	}
}

// Run flushes on enqueue, on reconnect, when the earliest item becomes due
// and on a fixed interval, until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.FlushInterval)
	defer ticker.Stop()
	timer := time.NewTimer(o.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.wake:
		case <-ticker.C:
		case <-timer.C:
		}
		if err := o.Flush(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("flush", zap.Error(err))
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.untilNext())
	}
}

func (o *Outbox) untilNext() time.Duration {
	o.mu.Lock()
	due, ok := o.queue.next()
	o.mu.Unlock()
	if !ok {
		return o.opts.FlushInterval
	}
	d := due.Sub(o.clock.Now())
	if d < 0 {
		d = 0
	}
	return d
}

// Flush attempts every due item. Conversations are flushed in parallel; the
// items of one conversation go strictly in enqueue order and a retryable
// failure holds back the rest of that conversation.
func (o *Outbox) Flush(ctx context.Context) error {
	if !o.Online() {
		return nil
	}
	now := o.clock.Now()

	o.mu.Lock()
	due := o.queue.popDue(now)
	byConv := make(map[string][]*pending)
	var convs []string
	for _, q := range due {
		p, ok := o.items[q.entryID]
		if !ok {
			continue
		}
		c := p.item.ConversationID
		if _, seen := byConv[c]; !seen {
			convs = append(convs, c)
		}
		byConv[c] = append(byConv[c], p)
	}
	for _, c := range convs {
		ps := byConv[c]
		sort.Slice(ps, func(i, j int) bool { return ps[i].item.Seq < ps[j].item.Seq })
		// an earlier item of the conversation that is not due or still in
		// flight blocks the batch
		if head := o.headLocked(c); head != nil && head.item.Seq < ps[0].item.Seq {
			for _, p := range ps {
				at := p.item.NextAttemptAt
				if head.item.NextAttemptAt.After(at) {
					at = head.item.NextAttemptAt
				}
				o.queue.schedule(p.item.EntryID, at, p.item.Seq)
			}
			delete(byConv, c)
		}
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range convs {
		ps, ok := byConv[c]
		if !ok {
			continue
		}
		g.Go(func() error {
			o.flushConversation(gctx, ps)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// headLocked returns the oldest queued item of conversationID.
func (o *Outbox) headLocked(conversationID string) *pending {
	var head *pending
	for _, p := range o.items {
		if p.item.ConversationID != conversationID {
			continue
		}
		if head == nil || p.item.Seq < head.item.Seq {
			head = p
		}
	}
	return head
}

func (o *Outbox) flushConversation(ctx context.Context, ps []*pending) {
	for i, p := range ps {
		if ctx.Err() == nil && o.attempt(ctx, p) {
			continue
		}

		o.mu.Lock()
		if _, ok := o.items[p.item.EntryID]; ok && !o.scheduledLocked(p.item.EntryID) {
			o.queue.schedule(p.item.EntryID, p.item.NextAttemptAt, p.item.Seq)
		}
		// the rest waits behind the head
		for _, rest := range ps[i+1:] {
			o.queue.schedule(rest.item.EntryID, p.item.NextAttemptAt, rest.item.Seq)
		}
		o.mu.Unlock()
		return
	}
}

func (o *Outbox) scheduledLocked(entryID string) bool {
	for _, q := range o.queue {
		if q.entryID == entryID {
			return true
		}
	}
	return false
}

// attempt sends one item and reports whether the conversation may continue.
func (o *Outbox) attempt(ctx context.Context, p *pending) bool {
	entry := o.transition(p, model.StateSending, "")
	logger := o.logger.With(zap.String("entry", entry.ID), zap.Int("attempt", p.item.Attempts+1))

	envBytes, err := o.envelope(ctx, p)
	if err != nil {
		return o.fail(ctx, p, err, logger)
	}

	row := &model.Row{
		ConversationID: p.item.ConversationID,
		SenderID:       o.selfID,
		RecipientID:    p.item.PeerID,
		CorrelationID:  p.item.CorrelationID,
		Envelope:       envBytes,
		State:          model.StateSent.String(),
		CreatedAt:      p.item.CreatedAt,
	}
	ictx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	stored, err := o.remote.InsertMessage(ictx, row)
	cancel()
	if err != nil {
		return o.fail(ctx, p, err, logger)
	}

	state, perr := model.ParseSendState(stored.State)
	if perr != nil || !state.Confirmed() {
		state = model.StateSent
	}
	o.mu.Lock()
	p.entry.RemoteID = stored.ID
	p.entry.Seq = stored.Seq
	o.mu.Unlock()
	o.transition(p, state, "")
	o.remove(ctx, p)
	logger.Debug("sent", zap.String("remote_id", stored.ID), zap.Int64("seq", stored.Seq))
	return true
}

// envelope returns the encoded envelope of p, encrypting on the first attempt
// only.
func (o *Outbox) envelope(ctx context.Context, p *pending) ([]byte, error) {
	o.mu.Lock()
	if b := p.item.Envelope; b != nil {
		o.mu.Unlock()
		return b, nil
	}
	o.mu.Unlock()

	env, err := o.enc.Encrypt(ctx, p.item.PeerID, p.item.Plaintext, p.item.CorrelationID)
	unencrypted := false
	if err != nil {
		if !errors.Is(err, model.ErrNoBundle) || !o.opts.AllowUnencryptedFallback {
			return nil, err
		}
		o.logger.Warn("peer has no bundle, sending unencrypted", zap.String("peer", p.item.PeerID))
		env = cipher.SealUnencrypted(o.selfID, p.item.PeerID, p.item.Plaintext, p.item.CorrelationID)
		unencrypted = true
	}
	b := cipher.MarshalEnvelope(env)

	o.mu.Lock()
	p.item.Envelope = b
	p.item.Unencrypted = unencrypted
	p.entry.Unencrypted = unencrypted
	p.entry.Envelope = env
	item := *p.item
	o.mu.Unlock()

	// the ratchet already advanced; keep the envelope even if the caller gave up
	if err := o.store.SaveItem(context.WithoutCancel(ctx), &item); err != nil {
		o.logger.Error("persist encrypted item", zap.String("entry", p.item.EntryID), zap.Error(err))
	}
	return b, nil
}

func terminal(err error) bool {
	return errors.Is(err, model.ErrRecipientRevoked) ||
		errors.Is(err, model.ErrIdentityUnavailable) ||
		errors.Is(err, model.ErrHandshakeFailed)
}

func (o *Outbox) fail(ctx context.Context, p *pending, err error, logger *zap.Logger) bool {
	if ctx.Err() != nil {
		// cancelled, not a failed attempt
		o.transition(p, model.StatePending, "")
		return false
	}

	o.mu.Lock()
	p.item.Attempts++
	p.item.LastError = err.Error()
	attempts := p.item.Attempts
	o.mu.Unlock()

	if terminal(err) || attempts >= o.opts.MaxAttempts {
		reason := err.Error()
		if !terminal(err) {
			reason = fmt.Sprintf("gave up after %d attempts: %v", attempts, err)
		}
		logger.Error("send failed", zap.Error(err))
		o.retire(ctx, p, reason)
		o.transition(p, model.StateFailed, reason)
		// a terminal item does not hold back the conversation
		return true
	}

	delay := backoffFor(attempts, o.opts.BaseDelay, o.opts.MaxDelay)
	o.mu.Lock()
	p.item.NextAttemptAt = o.clock.Now().Add(delay)
	item := *p.item
	o.queue.schedule(item.EntryID, item.NextAttemptAt, item.Seq)
	o.mu.Unlock()

	if serr := o.store.SaveItem(context.WithoutCancel(ctx), &item); serr != nil {
		logger.Error("persist retry", zap.Error(serr))
	}
	logger.Warn("send failed, will retry", zap.Duration("backoff", delay), zap.Error(err))
	o.transition(p, model.StatePending, "")
	return false
}

func (o *Outbox) transition(p *pending, to model.SendState, reason string) model.MessageEntry {
	o.mu.Lock()
	if err := p.entry.Transition(to); err != nil {
		o.mu.Unlock()
		o.logger.Error("entry transition", zap.Error(err))
		return p.entry.Clone()
	}
	if to == model.StateFailed {
		p.entry.FailureReason = reason
	}
	e := p.entry.Clone()
	o.mu.Unlock()
	o.notify(e)
	return e
}

// retire turns p into a persisted failed item.
func (o *Outbox) retire(ctx context.Context, p *pending, reason string) {
	o.mu.Lock()
	delete(o.items, p.item.EntryID)
	p.item.Failed = true
	p.item.FailureReason = reason
	o.failed[p.item.EntryID] = p
	item := *p.item
	o.mu.Unlock()
	if err := o.store.SaveItem(context.WithoutCancel(ctx), &item); err != nil {
		o.logger.Error("persist failed item", zap.String("entry", item.EntryID), zap.Error(err))
	}
}

func (o *Outbox) remove(ctx context.Context, p *pending) {
	o.mu.Lock()
	delete(o.items, p.item.EntryID)
	o.mu.Unlock()
	if err := o.store.DeleteItem(context.WithoutCancel(ctx), p.item.EntryID); err != nil {
		o.logger.Error("delete outbox item", zap.String("entry", p.item.EntryID), zap.Error(err))
	}
}
