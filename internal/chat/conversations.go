package chat

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cipherchat/internal/blob"
	myMiddleware "cipherchat/internal/middleware"
	"cipherchat/internal/respond"
	"cipherchat/internal/store"
)

const defaultChannel = "general"

type createGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

type memberRequest struct {
	UserID string `json:"userId"`
}

type channelRequest struct {
	Name string `json:"name"`
}

// Routes mounts the conversation API. The caller applies authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/conversations", h.ListConversations)
	r.Post("/api/groups", h.CreateGroup)
	r.Get("/api/groups/{id}", h.GetGroup)
	r.Post("/api/groups/{id}/members", h.AddMember)
	r.Delete("/api/groups/{id}/members/{userId}", h.RemoveMember)
	r.Post("/api/groups/{id}/channels", h.CreateChannel)
	r.Get("/api/groups/{id}/channels/{channelId}/messages", h.GroupHistory)
	r.Get("/api/direct/{userId}/messages", h.DirectHistory)
	r.Post("/api/attachments", h.UploadAttachment)
}

// ListConversations returns the caller's groups followed by their direct
// contacts, in the same shape newConversation pushes.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	me := userID(r)
	ctx := r.Context()

	groups, err := h.store.ListUserGroups(ctx, me)
	if err != nil {
		respond.StoreError(w, h.log, err)
		return
	}

	out := []store.Conversation{}
	for i := range groups {
		entry, err := h.groupEntry(r, &groups[i])
		if err != nil {
			respond.StoreError(w, h.log, err)
			return
		}
		out = append(out, entry)
	}

	contacts, err := h.store.ListContacts(ctx, me)
	if err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	for _, c := range contacts {
		out = append(out, store.DirectConversation(me, c))
	}
	respond.JSON(w, http.StatusOK, out)
}

// CreateGroup creates a group with a default channel and tells every
// online member except the creator about it.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	me := userID(r)
	ctx := r.Context()

	var req createGroupRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respond.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	for _, id := range req.MemberIDs {
		if _, err := h.store.GetUser(ctx, id); err != nil {
			if isNotFound(err) {
				respond.Error(w, http.StatusBadRequest, "unknown member "+id)
				return
			}
			respond.StoreError(w, h.log, err)
			return
		}
	}

	now := time.Now().UTC()
	g := &store.Group{ID: uuid.NewString(), Name: req.Name, OwnerID: me, CreatedAt: now}
	if err := h.store.CreateGroup(ctx, g, req.MemberIDs); err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	ch := &store.Channel{ID: uuid.NewString(), GroupID: g.ID, Name: defaultChannel, CreatedAt: now}
	if err := h.store.CreateChannel(ctx, ch); err != nil {
		respond.StoreError(w, h.log, err)
		return
	}

	entry, err := h.groupEntry(r, g)
	if err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	h.notifier.NotifyMembers(ctx, g.ID, entry.GroupData.Members, me)
	respond.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := h.memberGroup(w, r)
	if !ok {
		return
	}
	entry, err := h.groupEntry(r, g)
	if err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, entry)
}

// AddMember lets any member add another user. Adding an existing member
// is a no-op but still notifies them.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	g, ok := h.memberGroup(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req memberRequest
	if err := respond.Decode(w, r, &req); err != nil || req.UserID == "" {
		respond.Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if _, err := h.store.GetUser(ctx, req.UserID); err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	if err := h.store.AddMember(ctx, g.ID, req.UserID); err != nil {
		respond.StoreError(w, h.log, err)
		return
	}

	if _, err := h.notifier.NotifyNewConversation(ctx, req.UserID, g.ID); err != nil {
		h.log.Warn("notify added member", zap.String("group", g.ID), zap.Error(err))
	}

	entry, err := h.groupEntry(r, g)
	if err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, entry)
}

// RemoveMember lets the owner remove anyone but themselves, and any member
// leave.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	g, ok := h.memberGroup(w, r)
	if !ok {
		return
	}
	me := userID(r)
	target := chi.URLParam(r, "userId")

	switch {
	case target == g.OwnerID:
		respond.Error(w, http.StatusBadRequest, "the owner cannot leave the group")
		return
	case target != me && me != g.OwnerID:
		respond.Error(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := h.store.RemoveMember(r.Context(), g.ID, target); err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	h.evict(r, g.ID, target)
	w.WriteHeader(http.StatusNoContent)
}

// evict unsubscribes a removed member's live sockets from the group's
// channels. Failures are only logged; the removal already stands.
func (h *Handler) evict(r *http.Request, groupID, uid string) {
	channels, err := h.store.ListChannels(r.Context(), groupID)
	if err != nil {
		h.log.Warn("list channels for eviction", zap.String("group", groupID), zap.Error(err))
		return
	}
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	if n := h.hub.relay.Evict(uid, ids...); n > 0 {
		h.log.Info("evicted removed member", zap.String("group", groupID), zap.String("uid", uid), zap.Int("subscriptions", n))
	}
}

func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	g, ok := h.memberGroup(w, r)
	if !ok {
		return
	}

	var req channelRequest
	if err := respond.Decode(w, r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		respond.Error(w, http.StatusBadRequest, "name is required")
		return
	}

	ch := &store.Channel{ID: uuid.NewString(), GroupID: g.ID, Name: strings.TrimSpace(req.Name), CreatedAt: time.Now().UTC()}
	if err := h.store.CreateChannel(r.Context(), ch); err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusCreated, ch)
}

// GroupHistory returns the newest page of a group channel, oldest first.
func (h *Handler) GroupHistory(w http.ResponseWriter, r *http.Request) {
	g, ok := h.memberGroup(w, r)
	if !ok {
		return
	}

	ch, err := h.store.GetChannel(r.Context(), chi.URLParam(r, "channelId"))
	if err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	if ch.GroupID != g.ID {
		respond.Error(w, http.StatusNotFound, "not found")
		return
	}
	h.history(w, r, ch.ID)
}

// DirectHistory returns the newest page of the caller's direct
// conversation with userId.
func (h *Handler) DirectHistory(w http.ResponseWriter, r *http.Request) {
	me := userID(r)
	peer := chi.URLParam(r, "userId")
	if peer == me {
		respond.Error(w, http.StatusBadRequest, "cannot message yourself")
		return
	}
	if _, err := h.store.GetUser(r.Context(), peer); err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	h.history(w, r, store.DirectChannelID(me, peer))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, channelID string) {
	q := r.URL.Query()
	cur := store.Cursor{BeforeID: strings.TrimSpace(q.Get("beforeId"))}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			respond.Error(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		cur.Before = t
	}

	msgs, err := h.store.RecentMessages(r.Context(), channelID, cur)
	if err != nil {
		respond.StoreError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, msgs)
}

// UploadAttachment stores an already-encrypted file and returns its url.
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		respond.Error(w, http.StatusServiceUnavailable, "attachments are disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, blob.MaxUploadSize+1<<20)
	if err := r.ParseMultipartForm(blob.MaxUploadSize); err != nil {
		respond.Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if header.Size > blob.MaxUploadSize {
		respond.Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	url, err := h.blobs.Put(r.Context(), header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		h.log.Error("upload attachment", zap.String("uid", userID(r)), zap.Error(err))
		respond.Error(w, http.StatusBadGateway, "upload failed")
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]string{"url": url})
}

// memberGroup loads {id} and answers 403 unless the caller is a member.
func (h *Handler) memberGroup(w http.ResponseWriter, r *http.Request) (*store.Group, bool) {
	g, err := h.store.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respond.StoreError(w, h.log, err)
		return nil, false
	}
	member, err := h.store.IsMember(r.Context(), g.ID, userID(r))
	if err != nil {
		respond.StoreError(w, h.log, err)
		return nil, false
	}
	if !member {
		respond.Error(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return g, true
}

func (h *Handler) groupEntry(r *http.Request, g *store.Group) (store.Conversation, error) {
	members, err := h.store.ListMembers(r.Context(), g.ID)
	if err != nil {
		return store.Conversation{}, err
	}
	channels, err := h.store.ListChannels(r.Context(), g.ID)
	if err != nil {
		return store.Conversation{}, err
	}
	return store.GroupConversation(g, members, channels), nil
}

func userID(r *http.Request) string {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	return id.UserID
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
