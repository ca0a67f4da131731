package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_sync/internal/model"
	"e2e_sync/internal/remote/loopback"
	"e2e_sync/internal/repository/memory"
	"e2e_sync/internal/service/identity"
)

type fixture struct {
	net *loopback.Network
	hub *Hub
	srv *httptest.Server
}

func newFixture(t *testing.T, events Publisher) *fixture {
	t.Helper()
	net := loopback.New()
	hub := NewHub()
	srv := httptest.NewServer(NewHttpServer(net, net, hub, events).Handler())
	t.Cleanup(srv.Close)
	return &fixture{net: net, hub: hub, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func bundles(t *testing.T, userID string, otks int) (*model.PublicBundle, *model.PreKeyBundle) {
	t.Helper()
	ctx := context.Background()
	s := identity.NewStore(memory.NewStore(), identity.Options{OneTimePreKeyCount: otks})
	id, err := s.GetOrCreateIdentity(ctx, userID)
	require.NoError(t, err)
	pub, err := s.ExportPublicBundle(id)
	require.NoError(t, err)
	pre, err := s.CreatePreKeyBundle(ctx, id)
	require.NoError(t, err)
	return pub, pre
}

func TestIdentityRoutes(t *testing.T) {
	f := newFixture(t, nil)
	pub, _ := bundles(t, "bob", 1)

	resp := f.do(t, http.MethodGet, "/users/bob/identity", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/users/bob/identity", pub)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/users/bob/identity", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.PublicBundle](t, resp)
	assert.Equal(t, *pub, got)
}

func TestPutIdentityRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	pub, _ := bundles(t, "bob", 1)

	resp := f.do(t, http.MethodPut, "/users/alice/identity", pub)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	forged := *pub
	forged.RegistrationID++
	resp = f.do(t, http.MethodPut, "/users/bob/identity", &forged)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/users/bob/identity", "not a bundle")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreKeyRoutes(t *testing.T) {
	f := newFixture(t, nil)
	_, pre := bundles(t, "bob", 2)

	resp := f.do(t, http.MethodGet, "/users/bob/prekeys", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/users/bob/prekeys", pre)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		resp = f.do(t, http.MethodGet, "/users/bob/prekeys", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		b := decode[model.PreKeyBundle](t, resp)
		require.Len(t, b.OneTimePreKeys, 1)
		assert.False(t, seen[b.OneTimePreKeys[0].ID], "one-time prekey handed out twice")
		seen[b.OneTimePreKeys[0].ID] = true
		assert.Equal(t, pre.SignedPreKey, b.SignedPreKey)
	}

	// pool drained: signed prekey only
	resp = f.do(t, http.MethodGet, "/users/bob/prekeys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[model.PreKeyBundle](t, resp).OneTimePreKeys)

	resp = f.do(t, http.MethodDelete, "/users/bob/prekeys", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/users/bob/prekeys", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestPutPreKeysRejectsForgedSignedPreKey(t *testing.T) {
	f := newFixture(t, nil)
	_, pre := bundles(t, "bob", 1)
	pre.SignedPreKey[0] ^= 0xff

	resp := f.do(t, http.MethodPut, "/users/bob/prekeys", pre)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInsertDedupsOnCorrelationID(t *testing.T) {
	f := newFixture(t, nil)
	conv := model.DirectConversationID("alice", "bob")
	row := model.Row{SenderID: "alice", RecipientID: "bob", CorrelationID: "c1", Envelope: []byte{1, 2, 3}}

	resp := f.do(t, http.MethodPost, "/conversations/"+conv+"/messages", row)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[model.Row](t, resp)
	assert.Equal(t, conv, first.ConversationID)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, "sent", first.State)

	resp = f.do(t, http.MethodPost, "/conversations/"+conv+"/messages", row)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first.ID, decode[model.Row](t, resp).ID)

	resp = f.do(t, http.MethodGet, "/conversations/"+conv+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[model.Page](t, resp)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, []byte{1, 2, 3}, page.Rows[0].Envelope)
	assert.False(t, page.HasMore)
}

func TestInsertRejectsNonMembers(t *testing.T) {
	f := newFixture(t, nil)
	conv := model.DirectConversationID("alice", "bob")

	resp := f.do(t, http.MethodPost, "/conversations/"+conv+"/messages",
		model.Row{SenderID: "mallory", RecipientID: "bob", CorrelationID: "c1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/conversations/"+conv+"/messages",
		model.Row{SenderID: "alice", RecipientID: "bob"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPageCursor(t *testing.T) {
	f := newFixture(t, nil)
	conv := model.DirectConversationID("alice", "bob")
	for _, c := range []string{"a", "b", "c"} {
		resp := f.do(t, http.MethodPost, "/conversations/"+conv+"/messages",
			model.Row{SenderID: "alice", RecipientID: "bob", CorrelationID: c})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := f.do(t, http.MethodGet, "/conversations/"+conv+"/messages?limit=2", nil)
	page := decode[model.Page](t, resp)
	require.Len(t, page.Rows, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(3), page.Rows[0].Seq)

	resp = f.do(t, http.MethodGet, "/conversations/"+conv+"/messages?limit=2&before=2", nil)
	page = decode[model.Page](t, resp)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "a", page.Rows[0].CorrelationID)
	assert.False(t, page.HasMore)

	resp = f.do(t, http.MethodGet, "/conversations/"+conv+"/messages?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPatchMessageRejectsBackwardMoves(t *testing.T) {
	f := newFixture(t, nil)
	conv := model.DirectConversationID("alice", "bob")
	resp := f.do(t, http.MethodPost, "/conversations/"+conv+"/messages",
		model.Row{SenderID: "alice", RecipientID: "bob", CorrelationID: "c1", Envelope: []byte{9}})
	row := decode[model.Row](t, resp)

	read := "read"
	resp = f.do(t, http.MethodPatch, "/messages/"+row.ID, model.RowPatch{State: &read})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, state := range []string{"sent", "delivered", "pending", "failed"} {
		resp = f.do(t, http.MethodPatch, "/messages/"+row.ID, model.RowPatch{State: &state})
		assert.Equal(t, http.StatusConflict, resp.StatusCode, state)
	}

	resp = f.do(t, http.MethodPatch, "/messages/"+row.ID, model.RowPatch{State: &read})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "read", decode[model.Row](t, resp).State)
}

func TestPatchMessage(t *testing.T) {
	f := newFixture(t, nil)
	conv := model.DirectConversationID("alice", "bob")
	resp := f.do(t, http.MethodPost, "/conversations/"+conv+"/messages",
		model.Row{SenderID: "alice", RecipientID: "bob", CorrelationID: "c1", Envelope: []byte{9}})
	row := decode[model.Row](t, resp)

	read := "read"
	resp = f.do(t, http.MethodPatch, "/messages/"+row.ID, model.RowPatch{State: &read})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "read", decode[model.Row](t, resp).State)

	bogus := "teleported"
	resp = f.do(t, http.MethodPatch, "/messages/"+row.ID, model.RowPatch{State: &bogus})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPatch, "/messages/"+row.ID, model.RowPatch{Deleted: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted := decode[model.Row](t, resp)
	assert.Equal(t, "deleted", deleted.State)
	assert.Empty(t, deleted.Envelope)

	resp = f.do(t, http.MethodPatch, "/messages/missing", model.RowPatch{Deleted: true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type failingPublisher struct{}

func (failingPublisher) PublishEvent(context.Context, model.Event) error {
	return errors.New("redis down")
}

func TestPublishFailureDoesNotFailInsert(t *testing.T) {
	f := newFixture(t, failingPublisher{})
	conv := model.DirectConversationID("alice", "bob")

	resp := f.do(t, http.MethodPost, "/conversations/"+conv+"/messages",
		model.Row{SenderID: "alice", RecipientID: "bob", CorrelationID: "c1"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func dial(t *testing.T, f *fixture, userID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/realtime?userID=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRealtimeFanOut(t *testing.T) {
	f := newFixture(t, nil)
	conv := model.DirectConversationID("alice", "bob")

	bob := dial(t, f, "bob")
	require.NoError(t, bob.WriteJSON(model.Frame{Op: model.OpSubscribe, ConversationID: conv}))
	require.Eventually(t, func() bool { return f.hub.Subscribers(conv) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := f.do(t, http.MethodPost, "/conversations/"+conv+"/messages",
		model.Row{SenderID: "alice", RecipientID: "bob", CorrelationID: "c1"})
	row := decode[model.Row](t, resp)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev model.Event
	require.NoError(t, bob.ReadJSON(&ev))
	assert.Equal(t, model.EventInsert, ev.Type)
	assert.Equal(t, row.ID, ev.Row.ID)

	f.do(t, http.MethodPatch, "/messages/"+row.ID, model.RowPatch{Deleted: true})
	require.NoError(t, bob.ReadJSON(&ev))
	assert.Equal(t, model.EventDelete, ev.Type)

	require.NoError(t, bob.WriteJSON(model.Frame{Op: model.OpUnsubscribe, ConversationID: conv}))
	require.Eventually(t, func() bool { return f.hub.Subscribers(conv) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRealtimeRejectsNonMember(t *testing.T) {
	f := newFixture(t, nil)
	foreign := model.DirectConversationID("alice", "bob")
	own := model.DirectConversationID("alice", "mallory")

	mallory := dial(t, f, "mallory")
	require.NoError(t, mallory.WriteJSON(model.Frame{Op: model.OpSubscribe, ConversationID: foreign}))
	require.NoError(t, mallory.WriteJSON(model.Frame{Op: model.OpSubscribe, ConversationID: own}))

	// frames are handled in order
	require.Eventually(t, func() bool { return f.hub.Subscribers(own) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.hub.Subscribers(foreign))
}

func TestRealtimeRequiresUserID(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/realtime", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDisconnectUnsubscribes(t *testing.T) {
	f := newFixture(t, nil)
	conv := model.DirectConversationID("alice", "bob")

	bob := dial(t, f, "bob")
	require.NoError(t, bob.WriteJSON(model.Frame{Op: model.OpSubscribe, ConversationID: conv}))
	require.Eventually(t, func() bool { return f.hub.Subscribers(conv) == 1 }, 2*time.Second, 10*time.Millisecond)

	bob.Close()
	assert.Eventually(t, func() bool { return f.hub.Subscribers(conv) == 0 }, 2*time.Second, 10*time.Millisecond)
}
