package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/cipher"
	"e2e_sync/internal/remote/loopback"
	"e2e_sync/internal/repository/memory"
	"e2e_sync/internal/service/outbox"
	"e2e_sync/internal/service/session"
	"e2e_sync/internal/service/timeline"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

type user struct {
	eng   *Engine
	peer  *loopback.Peer
	store *memory.Store
}

func testOptions(userID string) Options {
	return Options{
		UserID:             userID,
		OneTimePreKeyCount: 4,
		PageSize:           50,
		Session:            session.Options{MaxSkip: 100},
		Outbox: outbox.Options{
			BaseDelay:     time.Millisecond,
			MaxDelay:      20 * time.Millisecond,
			MaxAttempts:   10,
			FlushInterval: time.Hour,
		},
	}
}

func start(t *testing.T, peer *loopback.Peer, store *memory.Store, opts Options) *Engine {
	t.Helper()
	eng := New(opts, store, peer, peer, peer)
	require.NoError(t, eng.Start(context.Background()))
	return eng
}

func newUser(t *testing.T, net *loopback.Network, userID string, mutate ...func(*Options)) *user {
	t.Helper()
	opts := testOptions(userID)
	for _, m := range mutate {
		m(&opts)
	}
	u := &user{peer: net.Connect(userID), store: memory.NewStore()}
	u.eng = start(t, u.peer, u.store, opts)
	t.Cleanup(func() { assert.NoError(t, u.eng.Stop()) })
	return u
}

func open(t *testing.T, eng *Engine, peerID string) *timeline.Timeline {
	t.Helper()
	tl, err := eng.Open(context.Background(), peerID)
	require.NoError(t, err)
	return tl
}

func byCorrelation(tl *timeline.Timeline, corr string) (model.MessageEntry, bool) {
	for _, e := range tl.Entries() {
		if e.CorrelationID == corr {
			return e, true
		}
	}
	return model.MessageEntry{}, false
}

func displayOf(tl *timeline.Timeline, corr string) (timeline.Display, bool) {
	e, ok := byCorrelation(tl, corr)
	if !ok {
		return timeline.Display{}, false
	}
	d, err := tl.GetDisplayText(context.Background(), e.ID)
	return d, err == nil
}

func texts(t *testing.T, tl *timeline.Timeline) []string {
	t.Helper()
	var out []string
	for _, e := range tl.Entries() {
		d, err := tl.GetDisplayText(context.Background(), e.ID)
		require.NoError(t, err)
		out = append(out, d.Text)
	}
	return out
}

func waitState(t *testing.T, tl *timeline.Timeline, corr string, state model.SendState) model.MessageEntry {
	t.Helper()
	var got model.MessageEntry
	require.Eventually(t, func() bool {
		e, ok := byCorrelation(tl, corr)
		got = e
		return ok && e.State == state
	}, wait, tick, "entry %s never reached %s (last %s)", corr, state, got.State)
	return got
}

func TestFirstSendCarriesHandshake(t *testing.T) {
	ctx := context.Background()
	net := loopback.New()
	alice := newUser(t, net, "alice")
	bob := newUser(t, net, "bob")
	conv := model.DirectConversationID("alice", "bob")
	require.Equal(t, 4, net.OneTimePreKeyCount("bob"))

	bobView := open(t, bob.eng, "alice")
	aliceView := open(t, alice.eng, "bob")

	sent, err := alice.eng.Send(ctx, "bob", "hello bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, sent.State)
	// optimistic entry shows up before the server confirms it
	_, ok := aliceView.Entry(sent.ID)
	assert.True(t, ok)

	confirmed := waitState(t, aliceView, sent.CorrelationID, model.StateSent)
	assert.Equal(t, sent.ID, confirmed.ID, "entry id is stable across confirmation")
	assert.NotEmpty(t, confirmed.RemoteID)
	assert.Len(t, aliceView.Entries(), 1, "realtime echo and local confirmation merge")

	page, err := net.Page(ctx, conv, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	env, err := cipher.UnmarshalEnvelope(page.Rows[0].Envelope)
	require.NoError(t, err)
	assert.True(t, env.IsHandshakeMessage())
	assert.Equal(t, model.EnvelopeRatchet, env.Type)
	assert.NotContains(t, string(page.Rows[0].Envelope), "hello bob")
	assert.Equal(t, 3, net.OneTimePreKeyCount("bob"), "one one-time prekey consumed")

	require.Eventually(t, func() bool {
		d, ok := displayOf(bobView, sent.CorrelationID)
		return ok && d.Kind == timeline.DisplayPlaintext && d.Text == "hello bob"
	}, wait, tick)

	reply, err := bob.eng.Send(ctx, "alice", "hi alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d, ok := displayOf(aliceView, reply.CorrelationID)
		return ok && d.Text == "hi alice"
	}, wait, tick)

	// the reply acknowledged the session, so alice stops sending handshakes
	next, err := alice.eng.Send(ctx, "bob", "second")
	require.NoError(t, err)
	waitState(t, aliceView, next.CorrelationID, model.StateSent)
	page, err = net.Page(ctx, conv, 0, 1)
	require.NoError(t, err)
	env, err = cipher.UnmarshalEnvelope(page.Rows[0].Envelope)
	require.NoError(t, err)
	assert.False(t, env.IsHandshakeMessage())

	assert.Equal(t, []string{"hello bob", "hi alice", "second"}, texts(t, aliceView))
	require.Eventually(t, func() bool { return len(bobView.Entries()) == 3 }, wait, tick)
	assert.Equal(t, []string{"hello bob", "hi alice", "second"}, texts(t, bobView))
}

func TestMissingBundleFailsWithoutFallback(t *testing.T) {
	ctx := context.Background()
	net := loopback.New()
	alice := newUser(t, net, "alice")

	sent, err := alice.eng.Send(ctx, "dave", "anyone there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return alice.eng.PendingCount() == 0 }, wait, tick)

	// the failed entry is still shown when the conversation is opened later
	view := open(t, alice.eng, "dave")
	failed := waitState(t, view, sent.CorrelationID, model.StateFailed)
	assert.Contains(t, failed.FailureReason, model.ErrNoBundle.Error())
	page, err := net.Page(ctx, model.DirectConversationID("alice", "dave"), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Rows, "nothing reaches the server")

	// once dave publishes keys the text can be sent again as a new entry
	dave := newUser(t, net, "dave")
	daveView := open(t, dave.eng, "alice")

	again, err := alice.eng.Resend(ctx, failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, again.ID)
	assert.NotEqual(t, failed.CorrelationID, again.CorrelationID)
	waitState(t, view, again.CorrelationID, model.StateSent)
	old, ok := view.Entry(failed.ID)
	require.True(t, ok)
	assert.Equal(t, model.StateFailed, old.State)

	require.Eventually(t, func() bool {
		d, ok := displayOf(daveView, again.CorrelationID)
		return ok && d.Text == "anyone there?"
	}, wait, tick)

	_, err = alice.eng.Resend(ctx, failed.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFailedSendSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	net := loopback.New()
	peer := net.Connect("alice")
	store := memory.NewStore()
	eng := start(t, peer, store, testOptions("alice"))

	sent, err := eng.Send(ctx, "dave", "still there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e, ok := eng.Entry(sent.ID)
		return ok && e.State == model.StateFailed
	}, wait, tick)
	require.NoError(t, eng.Stop())

	eng = start(t, peer, store, testOptions("alice"))
	t.Cleanup(func() { assert.NoError(t, eng.Stop()) })
	assert.Zero(t, eng.PendingCount())
	e, ok := eng.Entry(sent.ID)
	require.True(t, ok)
	assert.Contains(t, e.FailureReason, model.ErrNoBundle.Error())
	view := open(t, eng, "dave")
	old, ok := view.Entry(sent.ID)
	require.True(t, ok)
	assert.Equal(t, model.StateFailed, old.State)

	newUser(t, net, "dave")
	again, err := eng.Resend(ctx, sent.ID)
	require.NoError(t, err)
	waitState(t, view, again.CorrelationID, model.StateSent)
	_, ok = eng.Entry(again.ID)
	assert.False(t, ok, "confirmed entries leave the outbox")
}

func TestMissingBundleFallsBackToUnencrypted(t *testing.T) {
	ctx := context.Background()
	net := loopback.New()
	alice := newUser(t, net, "alice", func(o *Options) { o.Outbox.AllowUnencryptedFallback = true })
	view := open(t, alice.eng, "carol")

	sent, err := alice.eng.Send(ctx, "carol", "plain hello")
	require.NoError(t, err)
	confirmed := waitState(t, view, sent.CorrelationID, model.StateSent)
	assert.True(t, confirmed.Unencrypted)

	carol := newUser(t, net, "carol")
	carolView := open(t, carol.eng, "alice")
	d, ok := displayOf(carolView, sent.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, timeline.Display{Text: "plain hello", Kind: timeline.DisplayUnencrypted}, d)
}

func TestDesyncBeyondSkipWindow(t *testing.T) {
	ctx := context.Background()
	net := loopback.New()
	alice := newUser(t, net, "alice")
	bob := newUser(t, net, "bob", func(o *Options) {
		o.Session.MaxSkip = 2
		o.PageSize = 1
	})
	aliceView := open(t, alice.eng, "bob")

	var last model.MessageEntry
	for _, text := range []string{"m1", "m2", "m3", "m4"} {
		e, err := alice.eng.Send(ctx, "bob", text)
		require.NoError(t, err)
		last = e
	}
	waitState(t, aliceView, last.CorrelationID, model.StateSent)

	// bob only loads the newest message, three steps ahead of his chain
	bobView := open(t, bob.eng, "alice")
	require.Len(t, bobView.Entries(), 1)
	d, ok := displayOf(bobView, last.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, timeline.DisplayUndecryptable, d.Kind)
	e, _ := byCorrelation(bobView, last.CorrelationID)
	assert.Error(t, e.DecryptErr)

	// resetting the sender's session negotiates a fresh one bob can read
	require.NoError(t, alice.eng.ResetSession(ctx, "bob"))
	fresh, err := alice.eng.Send(ctx, "bob", "let's start over")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d, ok := displayOf(bobView, fresh.CorrelationID)
		return ok && d.Kind == timeline.DisplayPlaintext && d.Text == "let's start over"
	}, wait, tick)
}

func TestOfflineSendsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	net := loopback.New()
	bob := newUser(t, net, "bob")
	bobView := open(t, bob.eng, "alice")

	peer := net.Connect("alice")
	store := memory.NewStore()
	eng := start(t, peer, store, testOptions("alice"))

	peer.SetOnline(false)
	require.Eventually(t, func() bool { return !eng.outbox.Online() }, wait, tick)

	view := open(t, eng, "bob")
	var sent []model.MessageEntry
	for _, text := range []string{"one", "two", "three"} {
		e, err := eng.Send(ctx, "bob", text)
		require.NoError(t, err)
		sent = append(sent, e)
	}
	assert.Equal(t, 3, eng.PendingCount())
	assert.False(t, eng.Online())
	assert.Equal(t, []string{"one", "two", "three"}, texts(t, view))
	for _, e := range view.Entries() {
		assert.Equal(t, model.StatePending, e.State)
	}
	require.NoError(t, eng.Stop())

	// restart on the same store while still offline
	eng = start(t, peer, store, testOptions("alice"))
	t.Cleanup(func() { assert.NoError(t, eng.Stop()) })
	assert.Equal(t, 3, eng.PendingCount())
	view = open(t, eng, "bob")
	assert.Equal(t, []string{"one", "two", "three"}, texts(t, view))

	peer.SetOnline(true)
	for _, e := range sent {
		waitState(t, view, e.CorrelationID, model.StateSent)
	}
	assert.Zero(t, eng.PendingCount())

	page, err := net.Page(ctx, model.DirectConversationID("alice", "bob"), 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Rows, 3)
	// newest first; server order follows enqueue order
	assert.Equal(t, sent[2].CorrelationID, page.Rows[0].CorrelationID)
	assert.Equal(t, sent[0].CorrelationID, page.Rows[2].CorrelationID)

	require.Eventually(t, func() bool { return len(bobView.Entries()) == 3 }, wait, tick)
	assert.Equal(t, []string{"one", "two", "three"}, texts(t, bobView))
}

func TestRevokedRecipient(t *testing.T) {
	ctx := context.Background()
	net := loopback.New()
	alice := newUser(t, net, "alice")
	bob := newUser(t, net, "bob")
	require.NoError(t, bob.eng.Revoke(ctx))

	view := open(t, alice.eng, "bob")
	sent, err := alice.eng.Send(ctx, "bob", "hello?")
	require.NoError(t, err)
	failed := waitState(t, view, sent.CorrelationID, model.StateFailed)
	assert.NotEmpty(t, failed.FailureReason)
}

func TestReadAndDeletePropagate(t *testing.T) {
	ctx := context.Background()
	net := loopback.New()
	alice := newUser(t, net, "alice")
	bob := newUser(t, net, "bob")
	aliceView := open(t, alice.eng, "bob")
	bobView := open(t, bob.eng, "alice")

	sent, err := alice.eng.Send(ctx, "bob", "read me")
	require.NoError(t, err)
	waitState(t, aliceView, sent.CorrelationID, model.StateSent)
	incoming := waitState(t, bobView, sent.CorrelationID, model.StateSent)

	require.NoError(t, bob.eng.MarkRead(ctx, "alice", incoming.ID))
	waitState(t, aliceView, sent.CorrelationID, model.StateRead)

	require.NoError(t, alice.eng.Delete(ctx, "bob", sent.ID))
	waitState(t, bobView, sent.CorrelationID, model.StateDeleted)
	d, ok := displayOf(bobView, sent.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, timeline.DisplayDeleted, d.Kind)

	err = alice.eng.MarkRead(ctx, "carol", sent.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMaintainRotatesSignedPreKey(t *testing.T) {
	ctx := context.Background()
	net := loopback.New()
	bob := newUser(t, net, "bob", func(o *Options) { o.SignedPreKeyRotation = time.Nanosecond })

	before, err := net.PopBundle(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, bob.eng.Maintain(ctx))
	after, err := net.PopBundle(ctx, "bob")
	require.NoError(t, err)
	assert.Greater(t, after.SignedPreKeyID, before.SignedPreKeyID)
	assert.Equal(t, before.IdentityKey, after.IdentityKey)
}

func TestNotStarted(t *testing.T) {
	peer := loopback.New().Connect("alice")
	eng := New(testOptions("alice"), memory.NewStore(), peer, peer, peer)

	_, err := eng.Send(context.Background(), "bob", "x")
	assert.True(t, errors.Is(err, ErrNotStarted))
	_, err = eng.Open(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, eng.Stop())
}
