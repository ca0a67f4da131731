package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/cipher"
	"e2e_sync/internal/utils/log"
)

const (
	DefaultPageSize = 50
	// resolveTimeout bounds one shared decryption; it does not follow the
	// context of whichever caller started it.
	resolveTimeout = 30 * time.Second
)

type (
	PageFetcher interface {
		FetchPage(ctx context.Context, conversationID string, beforeSeq int64, limit int) (*model.Page, error)
	}

	Decrypter interface {
		Decrypt(ctx context.Context, peerID string, env *model.Envelope) ([]byte, error)
	}

	// PlaintextCache keeps decrypted bodies across restarts; message keys are
	// single use so a body cannot be decrypted twice.
	PlaintextCache interface {
		GetPlaintext(ctx context.Context, key string) (string, bool, error)
		PutPlaintext(ctx context.Context, key, text string) error
	}

	// Timeline is the ordered view of one conversation. Entries live in an
	// arena keyed by entry id; order is a sorted index over the arena.
	Timeline struct {
		conversationID string
		selfID         string
		remote         PageFetcher
		dec            Decrypter
		cache          PlaintextCache
		pageSize       int
		logger         *zap.Logger

		loadMu sync.Mutex
		group  singleflight.Group

		mu        sync.Mutex
		arena     map[string]*model.MessageEntry
		byRemote  map[string]string
		byCorr    map[string]string
		order     []string
		cursor    int64
		hasMore   bool
		// synced is the newest seq below which every row has been fetched.
		// gapCursor and gapTop bound rows missed while offline.
		synced    int64
		gapCursor int64
		gapTop    int64
		loaded    bool
		listeners []func()
	}
)

func New(conversationID, selfID string, remote PageFetcher, dec Decrypter, cache PlaintextCache, pageSize int) *Timeline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Timeline{
		conversationID: conversationID,
		selfID:         selfID,
		remote:         remote,
		dec:            dec,
		cache:          cache,
		pageSize:       pageSize,
		logger:         log.Named("timeline").With(zap.String("conversation", conversationID)),
		arena:          make(map[string]*model.MessageEntry),
		byRemote:       make(map[string]string),
		byCorr:         make(map[string]string),
		hasMore:        true,
	}
}

func (t *Timeline) ConversationID() string { return t.conversationID }

// OnChange registers fn to run after the timeline changed.
func (t *Timeline) OnChange(fn func()) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Timeline) changed() {
	t.mu.Lock()
	ls := append([]func(){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}

// less orders persisted entries by server sequence, then optimistic entries
// by local sequence.
func less(a, b *model.MessageEntry) bool {
	ap, bp := !a.Optimistic(), !b.Optimistic()
	if ap != bp {
		return ap
	}
	if ap {
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
	} else if a.LocalSeq != b.LocalSeq {
		return a.LocalSeq < b.LocalSeq
	}
	return a.ID < b.ID
}

func (t *Timeline) insertLocked(e *model.MessageEntry) {
	t.arena[e.ID] = e
	i := sort.Search(len(t.order), func(i int) bool { return less(e, t.arena[t.order[i]]) })
	t.order = append(t.order, "")
	copy(t.order[i+1:], t.order[i:])
	t.order[i] = e.ID
	if e.CorrelationID != "" {
		t.byCorr[e.CorrelationID] = e.ID
	}
	if e.RemoteID != "" {
		t.byRemote[e.RemoteID] = e.ID
	}
}

func (t *Timeline) unlinkLocked(id string) {
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// repositionLocked re-sorts e after its ordering key changed.
func (t *Timeline) repositionLocked(e *model.MessageEntry) {
	t.unlinkLocked(e.ID)
	t.insertLocked(e)
}

// LoadInitialPage fetches the newest page. On a timeline that was loaded
// before (a reconnect), it then pages backward until it meets rows that were
// already synced, so rows that arrived while offline are not skipped.
func (t *Timeline) LoadInitialPage(ctx context.Context) error {
	t.loadMu.Lock()
	defer t.loadMu.Unlock()

	page, err := t.remote.FetchPage(ctx, t.conversationID, 0, t.pageSize)
	if err != nil {
		return fmt.Errorf("load page of %s: %w", t.conversationID, err)
	}

	t.mu.Lock()
	first := !t.loaded
	t.mu.Unlock()
	if first {
		t.applyPage(page)
		return nil
	}
	t.applyNewestPage(page)
	return t.fillGap(ctx)
}

// LoadOlderPage fetches the page before the oldest loaded row and reports
// whether more history remains. A gap left by an interrupted reconnect is
// filled first.
func (t *Timeline) LoadOlderPage(ctx context.Context) (bool, error) {
	t.loadMu.Lock()
	defer t.loadMu.Unlock()

	t.mu.Lock()
	cursor, more, loaded, gap := t.cursor, t.hasMore, t.loaded, t.gapCursor
	t.mu.Unlock()
	if gap != 0 {
		page, err := t.remote.FetchPage(ctx, t.conversationID, gap, t.pageSize)
		if err != nil {
			return true, fmt.Errorf("load missed page of %s: %w", t.conversationID, err)
		}
		t.applyGapPage(page)
		return t.HasMore(), nil
	}
	if loaded && !more {
		return false, nil
	}

	page, err := t.remote.FetchPage(ctx, t.conversationID, cursor, t.pageSize)
	if err != nil {
		return more, fmt.Errorf("load older page of %s: %w", t.conversationID, err)
	}
	t.applyPage(page)
	return t.HasMore(), nil
}

func (t *Timeline) fillGap(ctx context.Context) error {
	for {
		t.mu.Lock()
		gap := t.gapCursor
		t.mu.Unlock()
		if gap == 0 {
			return nil
		}
		page, err := t.remote.FetchPage(ctx, t.conversationID, gap, t.pageSize)
		if err != nil {
			return fmt.Errorf("load missed page of %s: %w", t.conversationID, err)
		}
		t.applyGapPage(page)
	}
}

func pageBounds(rows []model.Row) (oldest, newest int64) {
	for _, r := range rows {
		if oldest == 0 || r.Seq < oldest {
			oldest = r.Seq
		}
		if r.Seq > newest {
			newest = r.Seq
		}
	}
	return oldest, newest
}

func (t *Timeline) applyRowsLocked(rows []model.Row) {
	for i := range rows {
		row := rows[i]
		if row.ConversationID != "" && row.ConversationID != t.conversationID {
			continue
		}
		t.applyRowLocked(&row)
	}
}

// applyPage merges a history page and moves the history cursor.
func (t *Timeline) applyPage(page *model.Page) {
	t.mu.Lock()
	t.applyRowsLocked(page.Rows)
	oldest, newest := pageBounds(page.Rows)
	if oldest != 0 && (t.cursor == 0 || oldest < t.cursor) {
		t.cursor = oldest
	}
	if !t.loaded {
		t.synced = newest
	}
	t.hasMore = page.HasMore && len(page.Rows) > 0
	t.loaded = true
	t.mu.Unlock()
	t.changed()
}

// applyNewestPage merges the newest page of a reconnect. Everything above
// synced is only trusted once the pages below it reach synced.
func (t *Timeline) applyNewestPage(page *model.Page) {
	t.mu.Lock()
	t.applyRowsLocked(page.Rows)
	oldest, newest := pageBounds(page.Rows)
	switch {
	case len(page.Rows) == 0:
	case oldest <= t.synced || !page.HasMore:
		t.finishGapLocked(newest, page.HasMore)
	default:
		t.gapCursor, t.gapTop = oldest, newest
	}
	t.mu.Unlock()
	t.changed()
}

func (t *Timeline) applyGapPage(page *model.Page) {
	t.mu.Lock()
	t.applyRowsLocked(page.Rows)
	oldest, _ := pageBounds(page.Rows)
	if len(page.Rows) == 0 || oldest <= t.synced || !page.HasMore {
		t.finishGapLocked(t.gapTop, page.HasMore && len(page.Rows) > 0)
	} else {
		t.gapCursor = oldest
	}
	t.mu.Unlock()
	t.changed()
}

func (t *Timeline) finishGapLocked(top int64, more bool) {
	if top > t.synced {
		t.synced = top
	}
	if !more {
		// the walk reached the start of the conversation
		t.hasMore = false
	}
	t.gapCursor, t.gapTop = 0, 0
}

// HasMore reports whether older history may exist or missed rows remain to
// be fetched.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore || t.gapCursor != 0
}

// ApplyRealtimeEvent merges a pushed row change. Events of other
// conversations are ignored.
func (t *Timeline) ApplyRealtimeEvent(_ context.Context, ev model.Event) error {
	if ev.Row.ConversationID != t.conversationID {
		return nil
	}

	t.mu.Lock()
	switch ev.Type {
	case model.EventInsert, model.EventUpdate:
		t.applyRowLocked(&ev.Row)
	case model.EventDelete:
		if id, ok := t.byRemote[ev.Row.ID]; ok {
			if err := t.arena[id].Transition(model.StateDeleted); err != nil {
				t.logger.Debug("ignored delete", zap.Error(err))
			}
		}
	default:
		t.mu.Unlock()
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	t.mu.Unlock()
	t.changed()
	return nil
}

func rowState(row *model.Row) model.SendState {
	s, err := model.ParseSendState(row.State)
	if err != nil || !(s.Confirmed() || s == model.StateDeleted) {
		return model.StateSent
	}
	return s
}

// applyRowLocked merges one remote row. A remote id is never inserted twice;
// a row whose correlation id matches an optimistic entry confirms it in
// place.
func (t *Timeline) applyRowLocked(row *model.Row) {
	state := rowState(row)

	if id, ok := t.byRemote[row.ID]; ok {
		t.advanceLocked(t.arena[id], state)
		return
	}

	if id, ok := t.byCorr[row.CorrelationID]; ok && row.CorrelationID != "" {
		e := t.arena[id]
		if e.Optimistic() {
			e.RemoteID = row.ID
			e.Seq = row.Seq
			if e.Envelope == nil {
				e.Envelope, e.DecryptErr = decodeEnvelope(row.Envelope)
			}
			if e.Envelope != nil && e.Envelope.Type == model.EnvelopeUnencrypted {
				e.Unencrypted = true
			}
			t.advanceLocked(e, state)
			t.repositionLocked(e)
			return
		}
		// two rows for one correlation id: keep the earlier one, alias the other
		t.logger.Debug("duplicate row for correlation id",
			zap.String("correlation_id", row.CorrelationID),
			zap.String("row", row.ID), zap.String("kept", e.RemoteID),
			zap.Error(model.ErrConflict))
		if row.Seq < e.Seq {
			e.RemoteID, e.Seq = row.ID, row.Seq
			t.repositionLocked(e)
		}
		t.byRemote[row.ID] = e.ID
		t.advanceLocked(e, state)
		return
	}

	e := &model.MessageEntry{
		ID:             row.ID,
		RemoteID:       row.ID,
		CorrelationID:  row.CorrelationID,
		ConversationID: t.conversationID,
		SenderID:       row.SenderID,
		State:          model.StateSent,
		CreatedAt:      row.CreatedAt,
		Seq:            row.Seq,
		Outgoing:       row.SenderID == t.selfID,
	}
	e.Envelope, e.DecryptErr = decodeEnvelope(row.Envelope)
	if e.Envelope != nil && e.Envelope.Type == model.EnvelopeUnencrypted {
		e.Unencrypted = true
	}
	t.advanceLocked(e, state)
	t.insertLocked(e)
}

func decodeEnvelope(b []byte) (*model.Envelope, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return cipher.UnmarshalEnvelope(b)
}

// advanceLocked moves e forward to state when that is a legal transition.
// Server state never moves an entry backwards.
func (t *Timeline) advanceLocked(e *model.MessageEntry, state model.SendState) {
	if e.State == state || !model.CanTransition(e.State, state) {
		return
	}
	if err := e.Transition(state); err != nil {
		t.logger.Debug("ignored transition", zap.Error(err))
	}
}

// AddOptimistic inserts a locally created entry. If its row already arrived
// the two are merged.
func (t *Timeline) AddOptimistic(entry model.MessageEntry) {
	t.mu.Lock()
	if _, ok := t.arena[entry.ID]; ok {
		t.mu.Unlock()
		t.ApplyLocal(entry)
		return
	}
	if id, ok := t.byCorr[entry.CorrelationID]; ok {
		t.mergeLocalLocked(t.arena[id], entry)
		t.mu.Unlock()
		t.changed()
		return
	}
	e := entry.Clone()
	t.insertLocked(&e)
	t.mu.Unlock()
	t.changed()
}

// ApplyLocal merges an outbox state change into the timeline.
func (t *Timeline) ApplyLocal(entry model.MessageEntry) {
	if entry.ConversationID != t.conversationID {
		return
	}
	t.mu.Lock()
	e, ok := t.arena[entry.ID]
	if !ok {
		if id, found := t.byCorr[entry.CorrelationID]; found {
			e, ok = t.arena[id], true
		}
	}
	if !ok {
		c := entry.Clone()
		t.insertLocked(&c)
		t.mu.Unlock()
		t.changed()
		return
	}
	t.mergeLocalLocked(e, entry)
	t.mu.Unlock()
	t.changed()
}

func (t *Timeline) mergeLocalLocked(e *model.MessageEntry, local model.MessageEntry) {
	if e.Plaintext == nil && local.Plaintext != nil {
		p := *local.Plaintext
		e.Plaintext = &p
	}
	e.Outgoing = e.Outgoing || local.Outgoing
	e.Unencrypted = e.Unencrypted || local.Unencrypted
	if local.RemoteID != "" && e.Optimistic() {
		if other, dup := t.byRemote[local.RemoteID]; dup && other != e.ID {
			// the realtime echo created its own entry first; fold it in
			t.unlinkLocked(other)
			delete(t.arena, other)
		}
		e.RemoteID = local.RemoteID
		e.Seq = local.Seq
		t.repositionLocked(e)
	}
	if local.State == model.StateFailed {
		e.FailureReason = local.FailureReason
	}
	if e.State != local.State && model.CanTransition(e.State, local.State) {
		_ = e.Transition(local.State)
	}
}

// Entries returns a snapshot of the timeline in display order.
func (t *Timeline) Entries() []model.MessageEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.MessageEntry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.arena[id].Clone())
	}
	return out
}

// Entry returns the entry with id.
func (t *Timeline) Entry(id string) (model.MessageEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.arena[id]
	if !ok {
		return model.MessageEntry{}, false
	}
	return e.Clone(), true
}

// GetDisplayText returns the text to render for entryID, decrypting it on
// first use. Crypto failures yield an undecryptable placeholder, not an
// error; only a missing entry or cancellation is reported as error.
func (t *Timeline) GetDisplayText(ctx context.Context, entryID string) (Display, error) {
	t.mu.Lock()
	e, ok := t.arena[entryID]
	if !ok {
		t.mu.Unlock()
		return Display{}, fmt.Errorf("entry %s: %w", entryID, model.ErrNotFound)
	}
	if d, done := displayOf(e); done {
		t.mu.Unlock()
		return d, nil
	}
	snap := e.Clone()
	t.mu.Unlock()

	ch := t.group.DoChan(entryID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return nil, t.resolve(rctx, snap)
	})
	select {
	case <-ctx.Done():
		return Display{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Display{}, res.Err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	d, _ := displayOf(t.arena[entryID])
	return d, nil
}

func displayOf(e *model.MessageEntry) (Display, bool) {
	switch {
	case e.State == model.StateDeleted:
		return Display{Text: deletedText, Kind: DisplayDeleted}, true
	case e.Plaintext != nil && e.Unencrypted:
		return Display{Text: *e.Plaintext, Kind: DisplayUnencrypted}, true
	case e.Plaintext != nil:
		return Display{Text: *e.Plaintext, Kind: DisplayPlaintext}, true
	case e.DecryptErr != nil:
		return Display{Text: undecryptableText, Kind: DisplayUndecryptable}, true
	}
	return Display{Text: undecryptableText, Kind: DisplayUndecryptable}, false
}

// resolve fills the plaintext of e from the cache or by decrypting it.
func (t *Timeline) resolve(ctx context.Context, e model.MessageEntry) error {
	key := model.PlaintextKey(t.conversationID, e.CorrelationID)
	if text, ok, err := t.cache.GetPlaintext(ctx, key); err != nil {
		t.logger.Warn("plaintext cache", zap.Error(err))
	} else if ok {
		t.setPlaintext(e.ID, text, nil)
		return nil
	}

	var plain []byte
	var derr error
	switch {
	case e.Envelope == nil:
		derr = errors.New("no envelope")
	case e.Envelope.Type == model.EnvelopeUnencrypted:
		plain, derr = cipher.OpenUnencrypted(e.Envelope)
	case e.Outgoing:
		// our own envelopes are sealed for the peer
		derr = errors.New("own message without cached plaintext")
	default:
		plain, derr = t.dec.Decrypt(ctx, e.SenderID, e.Envelope)
	}
	if derr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("undecryptable message", zap.String("entry", e.ID), zap.Error(derr))
		t.setPlaintext(e.ID, "", derr)
		return nil
	}

	text := string(plain)
	if err := t.cache.PutPlaintext(context.WithoutCancel(ctx), key, text); err != nil {
		t.logger.Warn("store plaintext", zap.String("entry", e.ID), zap.Error(err))
	}
	t.setPlaintext(e.ID, text, nil)
	return nil
}

func (t *Timeline) setPlaintext(id, text string, derr error) {
	t.mu.Lock()
	e, ok := t.arena[id]
	if ok {
		if derr != nil {
			e.DecryptErr = derr
		} else {
			e.Plaintext = &text
			e.DecryptErr = nil
		}
	}
	t.mu.Unlock()
	if ok {
		t.changed()
	}
}

// Resolve decrypts every entry that has no plaintext yet, oldest first.
func (t *Timeline) Resolve(ctx context.Context) error {
	t.mu.Lock()
	var ids []string
	for _, id := range t.order {
		if _, done := displayOf(t.arena[id]); !done {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		if _, err := t.GetDisplayText(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
