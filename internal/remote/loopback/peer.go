package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"e2e_sync/internal/model"
)

// Peer is one user's connection to the Network. While offline every call
// fails with model.ErrNetworkUnavailable and events are dropped.
type Peer struct {
	net    *Network
	userID string

	mu           sync.Mutex
	online       bool
	handlers     map[string]map[uint64]func(model.Event)
	nextID       uint64
	connectivity chan bool
}

// Connect returns an online peer for userID.
func (n *Network) Connect(userID string) *Peer {
	p := &Peer{
		net:          n,
		userID:       userID,
		online:       true,
		handlers:     make(map[string]map[uint64]func(model.Event)),
		connectivity: make(chan bool, 1),
	}
	n.mu.Lock()
	n.peers = append(n.peers, p)
	n.mu.Unlock()
	return p
}

func (p *Peer) UserID() string { return p.userID }

func (p *Peer) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Peer) Connectivity() <-chan bool {
	return p.connectivity
}

// SetOnline switches connectivity and reports the change on Connectivity.
func (p *Peer) SetOnline(online bool) {
	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()
	if !changed {
		return
	}
	select {
	case <-p.connectivity:
	default:
	}
	p.connectivity <- online
}

func (p *Peer) check(op string) error {
	if !p.Online() {
		return fmt.Errorf("%w: %s", model.ErrNetworkUnavailable, op)
	}
	return nil
}

func (p *Peer) PublishIdentity(ctx context.Context, b *model.PublicBundle) error {
	if err := p.check("publish identity"); err != nil {
		return err
	}
	return p.net.PutIdentity(ctx, b)
}

func (p *Peer) FetchIdentity(ctx context.Context, userID string) (*model.PublicBundle, error) {
	if err := p.check("fetch identity"); err != nil {
		return nil, err
	}
	return p.net.GetIdentity(ctx, userID)
}

func (p *Peer) PublishPreKeys(ctx context.Context, b *model.PreKeyBundle) error {
	if err := p.check("publish prekeys"); err != nil {
		return err
	}
	return p.net.PutPreKeys(ctx, b)
}

// FetchBundle returns nil, nil when userID has no bundle.
func (p *Peer) FetchBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error) {
	if err := p.check("fetch bundle"); err != nil {
		return nil, err
	}
	b, err := p.net.PopBundle(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

func (p *Peer) Revoke(ctx context.Context, userID string) error {
	if err := p.check("revoke"); err != nil {
		return err
	}
	return p.net.Revoke(ctx, userID)
}

func (p *Peer) InsertMessage(ctx context.Context, row *model.Row) (*model.Row, error) {
	if err := p.check("insert message"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, _, err := p.net.Insert(ctx, row)
	return stored, err
}

func (p *Peer) FetchPage(ctx context.Context, conversationID string, beforeSeq int64, limit int) (*model.Page, error) {
	if err := p.check("fetch page"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.net.Page(ctx, conversationID, beforeSeq, limit)
}

func (p *Peer) UpdateMessage(ctx context.Context, id string, patch model.RowPatch) (*model.Row, error) {
	if err := p.check("update message"); err != nil {
		return nil, err
	}
	return p.net.Update(ctx, id, patch)
}

// Subscribe routes events of conversationID to handler. Only members of the
// conversation may subscribe.
func (p *Peer) Subscribe(_ context.Context, conversationID string, handler func(model.Event)) (func(), error) {
	if _, err := model.PeerOf(conversationID, p.userID); err != nil {
		return nil, err
	}
	p.mu.Lock()
	set, ok := p.handlers[conversationID]
	if !ok {
		set = make(map[uint64]func(model.Event))
		p.handlers[conversationID] = set
	}
	p.nextID++
	id := p.nextID
	set[id] = handler
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.handlers[conversationID], id)
			p.mu.Unlock()
		})
	}, nil
}

func (p *Peer) deliver(ev model.Event) {
	p.mu.Lock()
	if !p.online {
		p.mu.Unlock()
		return
	}
	var hs []func(model.Event)
	for _, h := range p.handlers[ev.Row.ConversationID] {
		hs = append(hs, h)
	}
	p.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}
