package user

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	myMiddleware "cipherchat/internal/middleware"
	"cipherchat/internal/respond"
)

type Handler struct {
	Service *Service
	log     *zap.Logger
}

func NewHandler(s *Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Service: s, log: log}
}

// Routes mounts the user API. The caller applies authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/users/me", h.Me)
	r.Put("/api/users/me", h.UpdateProfile)
	r.Get("/api/users/search", h.SearchUsers)
	r.Put("/api/users/me/public-key", h.SetPublicKey)
	r.Get("/api/users/{id}/public-key", h.PublicKey)
	r.Get("/api/users/{id}/status", h.Status)
	r.Get("/api/contacts", h.Contacts)
	r.Post("/api/contacts", h.AddContact)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.Service.Me(r.Context(), userID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := h.Service.UpdateProfile(r.Context(), userID(r), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Service.SearchUsers(r.Context(), userID(r), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, users)
}

func (h *Handler) PublicKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.Service.PublicKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, key)
}

func (h *Handler) SetPublicKey(w http.ResponseWriter, r *http.Request) {
	var req PublicKeyRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Service.SetPublicKey(r.Context(), userID(r), req.PublicKey); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, st)
}

func (h *Handler) Contacts(w http.ResponseWriter, r *http.Request) {
	users, err := h.Service.Contacts(r.Context(), userID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, users)
}

func (h *Handler) AddContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := h.Service.AddContact(r.Context(), userID(r), req.UserID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, u)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrSelf):
		respond.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoKey):
		respond.Error(w, http.StatusNotFound, err.Error())
	default:
		respond.StoreError(w, h.log, err)
	}
}

func userID(r *http.Request) string {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	return id.UserID
}
