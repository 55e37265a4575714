package httpapi

import (
	"context"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
	"github.com/adred-codev/broadcastd/internal/session"
)

// InboxReader is the C6 read surface the recipient handlers expose.
type InboxReader interface {
	GetMessages(ctx context.Context, recipientID string) ([]domain.RecipientDelivery, error)
	GetUnread(ctx context.Context, recipientID string) ([]domain.RecipientDelivery, error)
}

// EmitReadEvent re-enters the outbox with a READ event for a
// client-initiated acknowledgement (§4.6).
type EmitReadEvent func(ctx context.Context, recipientID, broadcastID string) error

// RecipientHandler implements the recipient RPCs (§6): connect,
// list messages, list unread, mark read.
type RecipientHandler struct {
	mgr       *session.Manager
	inbox     InboxReader
	emitRead  EmitReadEvent
	limiter   func() *session.ClientRateLimiter
	log       zerolog.Logger
}

// NewRecipientHandler builds the handler. limiter, if non-nil, is
// called once per connection to build a fresh per-connection inbound
// rate limiter; pass nil to disable inbound throttling.
func NewRecipientHandler(mgr *session.Manager, inbox InboxReader, emitRead EmitReadEvent, limiter func() *session.ClientRateLimiter, log zerolog.Logger) *RecipientHandler {
	return &RecipientHandler{
		mgr:      mgr,
		inbox:    inbox,
		emitRead: emitRead,
		limiter:  limiter,
		log:      log.With().Str("component", "recipient_api").Logger(),
	}
}

// Register wires every recipient route onto mux.
func (h *RecipientHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /connect", h.handleConnect)
	mux.HandleFunc("GET /recipients/{id}/messages", h.handleMessages)
	mux.HandleFunc("GET /recipients/{id}/unread", h.handleUnread)
	mux.HandleFunc("POST /recipients/{id}/read/{broadcastId}", h.handleMarkRead)
}

// handleConnect upgrades to a long-lived push stream (§4.5/§6): a
// gobwas/ws connection carrying CONNECTED|MESSAGE|READ_RECEIPT|
// MESSAGE_REMOVED|HEARTBEAT frames, matching the teacher's upgrade
// shape (ws.UpgradeHTTP, then spawn read/write pumps).
func (h *RecipientHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipientId")
	if recipientID == "" {
		writeError(w, r, h.log, apierr.Validation("recipientId query parameter is required", nil))
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.log.Warn().Err(err).Str("recipient_id", recipientID).Msg("websocket upgrade failed")
		return
	}

	client, err := h.mgr.Connect(r.Context(), recipientID, conn)
	if err != nil {
		h.log.Warn().Err(err).Str("recipient_id", recipientID).Msg("connect rejected")
		conn.Close()
		return
	}

	var limiter *session.ClientRateLimiter
	if h.limiter != nil {
		limiter = h.limiter()
	}

	ctx := context.Background()
	go h.mgr.WritePump(ctx, client)
	go h.mgr.ReadPump(ctx, client, limiter)
}

func (h *RecipientHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.inbox.GetMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *RecipientHandler) handleUnread(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.inbox.GetUnread(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *RecipientHandler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	recipientID := r.PathValue("id")
	broadcastID := r.PathValue("broadcastId")
	if h.emitRead == nil {
		writeError(w, r, h.log, apierr.Fatal("read-acknowledgement path not wired", nil))
		return
	}
	if err := h.emitRead(r.Context(), recipientID, broadcastID); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
