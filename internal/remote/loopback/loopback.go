// Package loopback is an in-process sync server: key directory, message store
// and realtime fan-out behind the same calls the remote client makes. Each
// Peer has its own connectivity switch.
package loopback

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"e2e_sync/internal/model"
)

type (
	Network struct {
		mu         sync.Mutex
		identities map[string]model.PublicBundle
		prekeys    map[string]*prekeyRecord
		rows       map[string]*model.Row
		byCorr     map[string]string
		seq        int64
		peers      []*Peer
		now        func() time.Time
	}

	prekeyRecord struct {
		bundle  model.PreKeyBundle
		revoked bool
	}
)

func New() *Network {
	return &Network{
		identities: make(map[string]model.PublicBundle),
		prekeys:    make(map[string]*prekeyRecord),
		rows:       make(map[string]*model.Row),
		byCorr:     make(map[string]string),
		now:        time.Now,
	}
}

func cloneRow(r *model.Row) model.Row {
	c := *r
	c.Envelope = slices.Clone(r.Envelope)
	return c
}

func (n *Network) PutIdentity(_ context.Context, b *model.PublicBundle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.identities[b.UserID] = *b
	return nil
}

func (n *Network) GetIdentity(_ context.Context, userID string) (*model.PublicBundle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.identities[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &b, nil
}

// PutPreKeys replaces the bundle of its user and lifts a revocation.
func (n *Network) PutPreKeys(_ context.Context, b *model.PreKeyBundle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := *b
	c.OneTimePreKeys = slices.Clone(b.OneTimePreKeys)
	n.prekeys[b.UserID] = &prekeyRecord{bundle: c}
	return nil
}

// PopBundle hands out at most one one-time prekey per call, never the same
// one twice.
func (n *Network) PopBundle(_ context.Context, userID string) (*model.PreKeyBundle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.prekeys[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if rec.revoked {
		return nil, model.ErrRecipientRevoked
	}
	b := rec.bundle
	b.OneTimePreKeys = nil
	if len(rec.bundle.OneTimePreKeys) > 0 {
		b.OneTimePreKeys = []model.OneTimePreKeyPublic{rec.bundle.OneTimePreKeys[0]}
		rec.bundle.OneTimePreKeys = rec.bundle.OneTimePreKeys[1:]
	}
	return &b, nil
}

func (n *Network) Revoke(_ context.Context, userID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.prekeys[userID]
	if !ok {
		rec = &prekeyRecord{bundle: model.PreKeyBundle{UserID: userID}}
		n.prekeys[userID] = rec
	}
	rec.revoked = true
	rec.bundle.OneTimePreKeys = nil
	return nil
}

// OneTimePreKeyCount returns the number of unclaimed one-time prekeys of
// userID.
func (n *Network) OneTimePreKeyCount(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rec, ok := n.prekeys[userID]; ok {
		return len(rec.bundle.OneTimePreKeys)
	}
	return 0
}

// Insert assigns id and seq. A known (conversation, correlation id) returns
// the stored row and created=false.
func (n *Network) Insert(_ context.Context, row *model.Row) (*model.Row, bool, error) {
	n.mu.Lock()
	key := model.PlaintextKey(row.ConversationID, row.CorrelationID)
	if id, ok := n.byCorr[key]; ok {
		existing := cloneRow(n.rows[id])
		n.mu.Unlock()
		return &existing, false, nil
	}

	n.seq++
	stored := cloneRow(row)
	stored.ID = uuid.NewString()
	stored.Seq = n.seq
	stored.CreatedAt = n.now().UTC()
	if stored.State == "" {
		stored.State = model.StateSent.String()
	}
	n.rows[stored.ID] = &stored
	n.byCorr[key] = stored.ID
	out := cloneRow(&stored)
	n.mu.Unlock()

	n.broadcast(model.Event{Type: model.EventInsert, Row: cloneRow(&stored)})
	return &out, true, nil
}

// Page returns rows with seq < beforeSeq (all when zero), newest first.
func (n *Network) Page(_ context.Context, conversationID string, beforeSeq int64, limit int) (*model.Page, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var rows []model.Row
	for _, r := range n.rows {
		if r.ConversationID == conversationID && (beforeSeq == 0 || r.Seq < beforeSeq) {
			rows = append(rows, cloneRow(r))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq > rows[j].Seq })

	page := &model.Page{Rows: rows}
	if len(rows) > limit {
		page.Rows = rows[:limit]
		page.HasMore = true
	}
	return page, nil
}

func (n *Network) Update(_ context.Context, id string, patch model.RowPatch) (*model.Row, error) {
	n.mu.Lock()
	r, ok := n.rows[id]
	if !ok {
		n.mu.Unlock()
		return nil, model.ErrNotFound
	}
	typ := model.EventUpdate
	switch {
	case patch.Deleted:
		r.State = model.StateDeleted.String()
		r.Envelope = nil
		typ = model.EventDelete
	case patch.State != nil:
		next, err := patch.NextState(r.State)
		if err != nil {
			n.mu.Unlock()
			return nil, err
		}
		r.State = next
	}
	out := cloneRow(r)
	n.mu.Unlock()

	n.broadcast(model.Event{Type: typ, Row: cloneRow(&out)})
	return &out, nil
}

// InjectRow stores row as is, bypassing correlation dedup. Tests use it to
// reproduce duplicate server rows.
func (n *Network) InjectRow(row model.Row) model.Row {
	n.mu.Lock()
	n.seq++
	row.Seq = n.seq
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	stored := cloneRow(&row)
	n.rows[row.ID] = &stored
	n.mu.Unlock()

	n.broadcast(model.Event{Type: model.EventInsert, Row: cloneRow(&stored)})
	return row
}

func (n *Network) broadcast(ev model.Event) {
	n.mu.Lock()
	peers := slices.Clone(n.peers)
	n.mu.Unlock()
	for _, p := range peers {
		p.deliver(ev)
	}
}
