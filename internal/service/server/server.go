package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/x3dh"
	"e2e_sync/internal/utils/log"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxBodyBytes     = 1 << 20
	shutdownTimeout  = 10 * time.Second
)

type (
	// BundleStore is the key directory. Implemented by bundle.BundleRepo.
	BundleStore interface {
		PutIdentity(ctx context.Context, b *model.PublicBundle) error
		GetIdentity(ctx context.Context, userID string) (*model.PublicBundle, error)
		PutPreKeys(ctx context.Context, b *model.PreKeyBundle) error
		PopBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error)
		Revoke(ctx context.Context, userID string) error
	}

	// MessageStore holds message rows. Implemented by message.MessageRepo.
	MessageStore interface {
		Insert(ctx context.Context, row *model.Row) (*model.Row, bool, error)
		Page(ctx context.Context, conversationID string, beforeSeq int64, limit int) (*model.Page, error)
		Update(ctx context.Context, id string, patch model.RowPatch) (*model.Row, error)
	}

	// Publisher announces row changes to realtime subscribers.
	Publisher interface {
		PublishEvent(ctx context.Context, ev model.Event) error
	}

	HttpServer struct {
		bundles  BundleStore
		messages MessageStore
		hub      *Hub
		events   Publisher
		upgrader websocket.Upgrader
	}
)

// NewHttpServer serves the key directory, the message store and the realtime
// socket. Events go straight to hub when events is nil.
func NewHttpServer(bundles BundleStore, messages MessageStore, hub *Hub, events Publisher) *HttpServer {
	if events == nil {
		events = hubPublisher{hub}
	}
	return &HttpServer{
		bundles:  bundles,
		messages: messages,
		hub:      hub,
		events:   events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
}

type hubPublisher struct{ hub *Hub }

func (p hubPublisher) PublishEvent(_ context.Context, ev model.Event) error {
	p.hub.Deliver(ev)
	return nil
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/users/{id}/identity", s.PutIdentity()).Methods(http.MethodPut)
	r.HandleFunc("/users/{id}/identity", s.GetIdentity()).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/prekeys", s.PutPreKeys()).Methods(http.MethodPut)
	r.HandleFunc("/users/{id}/prekeys", s.GetPreKeys()).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/prekeys", s.RevokePreKeys()).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{id}/messages", s.InsertMessage()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.GetMessages()).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", s.PatchMessage()).Methods(http.MethodPatch)
	r.HandleFunc("/realtime", s.HandleRealtime()).Methods(http.MethodGet)
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps store errors to status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, model.ErrRecipientRevoked):
		http.Error(w, "revoked", http.StatusGone)
	case errors.Is(err, model.ErrInvalidBundle):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Error(op+" failed", zap.Error(err))
		http.Error(w, op+" failed", http.StatusInternalServerError)
	}
}

func (s *HttpServer) PutIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["id"]

		var b model.PublicBundle
		if !readJSON(w, r, &b) {
			return
		}
		if b.UserID != userID {
			http.Error(w, "user id mismatch", http.StatusBadRequest)
			return
		}
		if err := x3dh.VerifyPublicBundle(&b); err != nil {
			writeError(w, "put identity", err)
			return
		}
		if err := s.bundles.PutIdentity(r.Context(), &b); err != nil {
			writeError(w, "put identity", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := s.bundles.GetIdentity(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, "get identity", err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func (s *HttpServer) PutPreKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["id"]

		var b model.PreKeyBundle
		if !readJSON(w, r, &b) {
			return
		}
		if b.UserID != userID {
			http.Error(w, "user id mismatch", http.StatusBadRequest)
			return
		}
		if err := x3dh.VerifyPreKeyBundle(&b); err != nil {
			writeError(w, "put prekeys", err)
			return
		}
		if err := s.bundles.PutPreKeys(r.Context(), &b); err != nil {
			writeError(w, "put prekeys", err)
			return
		}
		log.Info("prekeys published", zap.String("user", userID), zap.Int("one_time", len(b.OneTimePreKeys)))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetPreKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := s.bundles.PopBundle(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, "get prekeys", err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func (s *HttpServer) RevokePreKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.bundles.Revoke(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeError(w, "revoke", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) InsertMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := mux.Vars(r)["id"]

		var row model.Row
		if !readJSON(w, r, &row) {
			return
		}
		row.ConversationID = conversationID
		if row.CorrelationID == "" {
			http.Error(w, "correlation id required", http.StatusBadRequest)
			return
		}
		if peer, err := model.PeerOf(conversationID, row.SenderID); err != nil || peer != row.RecipientID {
			http.Error(w, "sender and recipient must be the conversation members", http.StatusBadRequest)
			return
		}

		stored, created, err := s.messages.Insert(r.Context(), &row)
		if err != nil {
			writeError(w, "insert message", err)
			return
		}
		if !created {
			writeJSON(w, http.StatusOK, stored)
			return
		}

		s.publish(r.Context(), model.Event{Type: model.EventInsert, Row: *stored})
		writeJSON(w, http.StatusCreated, stored)
	}
}

func (s *HttpServer) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var before int64
		if v := q.Get("before"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				http.Error(w, "invalid before", http.StatusBadRequest)
				return
			}
			before = n
		}

		limit := defaultPageLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(n, maxPageLimit)
		}

		page, err := s.messages.Page(r.Context(), mux.Vars(r)["id"], before, limit)
		if err != nil {
			writeError(w, "get messages", err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func (s *HttpServer) PatchMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch model.RowPatch
		if !readJSON(w, r, &patch) {
			return
		}
		if patch.State != nil {
			if _, err := model.ParseSendState(*patch.State); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		row, err := s.messages.Update(r.Context(), mux.Vars(r)["id"], patch)
		if err != nil {
			writeError(w, "patch message", err)
			return
		}

		typ := model.EventUpdate
		if patch.Deleted {
			typ = model.EventDelete
		}
		s.publish(r.Context(), model.Event{Type: typ, Row: *row})
		writeJSON(w, http.StatusOK, row)
	}
}

// publish never fails the request: the row is stored and subscribers catch
// up from the next page load.
func (s *HttpServer) publish(ctx context.Context, ev model.Event) {
	if err := s.events.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
		log.Error("publish event failed", zap.String("row", ev.Row.ID), zap.Error(err))
	}
}

func (s *HttpServer) HandleRealtime() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}
		s.hub.Serve(userID, conn)
	}
}
