package chat

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cipherchat/internal/blob"
	myMiddleware "cipherchat/internal/middleware"
	"cipherchat/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers authenticate with ?token=, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Notifier tells online users about groups they were added to.
type Notifier interface {
	NotifyNewConversation(ctx context.Context, userID, groupID string) (bool, error)
	NotifyMembers(ctx context.Context, groupID string, memberIDs []string, skip string) int
}

type Handler struct {
	hub      *Hub
	store    store.Store
	notifier Notifier
	blobs    blob.Store
	log      *zap.Logger
}

// NewHandler wires the socket endpoint and the conversation REST API.
// blobs may be nil, in which case attachment uploads answer 503.
func NewHandler(hub *Hub, s store.Store, n Notifier, blobs blob.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{hub: hub, store: s, notifier: n, blobs: blobs, log: log}
}

// ServeWs upgrades an authenticated request and starts the client pumps.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	u := &store.User{ID: id.UserID, DisplayName: id.DisplayName, Email: id.Email, PhotoURL: id.PhotoURL}
	if err := h.store.UpsertUser(r.Context(), u); err != nil {
		h.log.Error("upsert connecting user", zap.String("uid", id.UserID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, id)
	if !h.hub.join(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
