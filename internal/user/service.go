package user

import (
	"context"
	"errors"
	"strings"

	"cipherchat/internal/presence"
	"cipherchat/internal/protocol"
	"cipherchat/internal/store"
)

var (
	ErrInvalid = errors.New("invalid request")
	ErrNoKey   = errors.New("user has not registered a public key")
	ErrSelf    = errors.New("cannot add yourself as a contact")
)

const maxNameSize = 64

// Store is the subset of the conversation store the user API reads and
// writes.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	UpdateProfile(ctx context.Context, id, displayName, photoURL string) error
	SetPublicKey(ctx context.Context, id, publicKey string) error
	SearchUsers(ctx context.Context, prefix string) ([]store.User, error)
	AddContact(ctx context.Context, userID, contactID string) error
	ListContacts(ctx context.Context, userID string) ([]store.User, error)
}

type Service struct {
	store  Store
	status presence.StatusReader
}

// NewService reads presence through status, which may be a cache in front
// of the store.
func NewService(s Store, status presence.StatusReader) *Service {
	return &Service{store: s, status: status}
}

func (s *Service) Me(ctx context.Context, id string) (*store.User, error) {
	return s.store.GetUser(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, id string, req ProfileRequest) (*store.User, error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" || len(name) > maxNameSize {
		return nil, ErrInvalid
	}
	if err := s.store.UpdateProfile(ctx, id, name, strings.TrimSpace(req.PhotoURL)); err != nil {
		return nil, err
	}
	return s.store.GetUser(ctx, id)
}

// SearchUsers matches a case-insensitive prefix of the display name or
// email. The caller is left out of the results.
func (s *Service) SearchUsers(ctx context.Context, me, query string) ([]store.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []store.User{}, nil
	}
	users, err := s.store.SearchUsers(ctx, query)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.ID != me {
			u.Email = ""
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Service) PublicKey(ctx context.Context, id string) (PublicKeyResponse, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return PublicKeyResponse{}, err
	}
	if u.PublicKey == "" {
		return PublicKeyResponse{}, ErrNoKey
	}
	return PublicKeyResponse{UserID: u.ID, PublicKey: u.PublicKey}, nil
}

func (s *Service) SetPublicKey(ctx context.Context, id, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalid
	}
	return s.store.SetPublicKey(ctx, id, key)
}

func (s *Service) Status(ctx context.Context, id string) (protocol.StatusUpdate, error) {
	return s.status.Status(ctx, id)
}

func (s *Service) AddContact(ctx context.Context, me, contactID string) (*store.User, error) {
	if contactID == "" {
		return nil, ErrInvalid
	}
	if contactID == me {
		return nil, ErrSelf
	}
	u, err := s.store.GetUser(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddContact(ctx, me, contactID); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Contacts(ctx context.Context, me string) ([]store.User, error) {
	return s.store.ListContacts(ctx, me)
}
