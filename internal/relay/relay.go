package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cipherchat/internal/presence"
	"cipherchat/internal/protocol"
	"cipherchat/internal/store"
)

// GenericError is the only failure text a sender ever sees, so a rejected
// send reveals nothing about channel membership.
const GenericError = "Message could not be sent"

var (
	errInvalid      = errors.New("invalid message")
	errUnauthorized = errors.New("sender is not a channel member")
)

// Store is the part of the conversation store the relay needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	SaveMessage(ctx context.Context, m *store.Message) error
}

// Identified is implemented by connections that carry their identity
// claims, used as the author snapshot when the profile can't be read.
type Identified interface {
	DisplayName() string
	PhotoURL() string
}

// Relay owns the in-memory channel subscriber sets and routes encrypted
// envelopes to them.
type Relay struct {
	store Store
	log   *zap.Logger
	now   func() time.Time

	mu    sync.Mutex
	rooms map[string]map[presence.Conn]struct{}
}

func New(s Store, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		store: s,
		log:   log,
		now:   time.Now,
		rooms: make(map[string]map[presence.Conn]struct{}),
	}
}

// Join subscribes conn to channelID if its user may read the channel.
// Refusals are silent to the caller.
func (r *Relay) Join(ctx context.Context, conn presence.Conn, channelID string) bool {
	if channelID == "" {
		return false
	}
	ok, err := r.authorizeJoin(ctx, conn.UserID(), channelID)
	if err != nil {
		r.log.Warn("join authorization failed", zap.String("uid", conn.UserID()), zap.String("channel", channelID), zap.Error(err))
		return false
	}
	if !ok {
		r.log.Debug("join refused", zap.String("uid", conn.UserID()), zap.String("channel", channelID))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	set, found := r.rooms[channelID]
	if !found {
		set = make(map[presence.Conn]struct{})
		r.rooms[channelID] = set
	}
	set[conn] = struct{}{}
	return true
}

// Leave unsubscribes conn from channelID. Leaving a channel that was never
// joined is fine.
func (r *Relay) Leave(conn presence.Conn, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conn, channelID)
}

// LeaveAll drops conn from every channel, used on disconnect.
func (r *Relay) LeaveAll(conn presence.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.rooms {
		r.leaveLocked(conn, id)
	}
}

// Evict drops every connection of userID from the given channels, used
// when the user loses access to them. It returns how many
// subscriptions were removed.
func (r *Relay) Evict(userID string, channelIDs ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range channelIDs {
		for conn := range r.rooms[id] {
			if conn.UserID() == userID {
				r.leaveLocked(conn, id)
				n++
			}
		}
	}
	return n
}

func (r *Relay) leaveLocked(conn presence.Conn, channelID string) {
	set, ok := r.rooms[channelID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.rooms, channelID)
	}
}

// Subscribers reports how many connections are joined to channelID.
func (r *Relay) Subscribers(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[channelID])
}

// Send validates, authorizes, persists and broadcasts one envelope. Any
// failure is reported to the sender alone as a messageError.
func (r *Relay) Send(ctx context.Context, conn presence.Conn, msg protocol.SendMessage) (*store.Message, error) {
	m, err := r.send(ctx, conn, msg)
	if err != nil {
		switch {
		case errors.Is(err, errInvalid):
			r.log.Debug("rejected malformed message", zap.String("uid", conn.UserID()), zap.Error(err))
		case errors.Is(err, errUnauthorized):
			r.log.Info("rejected unauthorized message", zap.String("uid", conn.UserID()), zap.String("channel", msg.ConversationID))
		default:
			r.log.Error("send message failed", zap.String("uid", conn.UserID()), zap.String("channel", msg.ConversationID), zap.Error(err))
		}
		conn.Send(protocol.MessageError(GenericError))
		return nil, err
	}
	return m, nil
}

func (r *Relay) send(ctx context.Context, conn presence.Conn, msg protocol.SendMessage) (*store.Message, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	senderID := conn.UserID()
	ok, err := r.authorizeSend(ctx, senderID, msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errUnauthorized
	}

	m := &store.Message{
		ID:               uuid.NewString(),
		ChannelID:        msg.ConversationID,
		AuthorID:         senderID,
		AuthorInfo:       r.authorSnapshot(ctx, conn),
		EncryptedPayload: msg.EncryptedPayload,
		CreatedAt:        r.now().UTC(),
	}
	if err := r.store.SaveMessage(ctx, m); err != nil {
		return nil, err
	}

	r.broadcast(m.ChannelID, m.Event())
	return m, nil
}

// broadcast fans frame out to every current subscriber. Holding the lock
// for the whole fan-out keeps per-channel delivery order identical to
// the order sends completed.
func (r *Relay) broadcast(channelID string, frame protocol.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.rooms[channelID] {
		c.Send(frame)
	}
}

func (r *Relay) authorSnapshot(ctx context.Context, conn presence.Conn) protocol.AuthorInfo {
	var info protocol.AuthorInfo
	if id, ok := conn.(Identified); ok {
		info = protocol.AuthorInfo{DisplayName: id.DisplayName(), PhotoURL: id.PhotoURL()}
	}

	u, err := r.store.GetUser(ctx, conn.UserID())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Warn("author lookup failed", zap.String("uid", conn.UserID()), zap.Error(err))
		}
		return info
	}
	if u.DisplayName != "" {
		info.DisplayName = u.DisplayName
	}
	if u.PhotoURL != "" {
		info.PhotoURL = u.PhotoURL
	}
	return info
}

func validate(msg protocol.SendMessage) error {
	if msg.ConversationID == "" {
		return errors.Join(errInvalid, errors.New("missing conversationId"))
	}
	if !msg.IsDirectMessage && msg.GroupID == "" {
		return errors.Join(errInvalid, errors.New("missing groupId"))
	}
	if len(msg.EncryptedPayload) == 0 {
		return errors.Join(errInvalid, errors.New("missing encryptedPayload"))
	}
	for uid, ciphertext := range msg.EncryptedPayload {
		if uid == "" || ciphertext == "" {
			return errors.Join(errInvalid, errors.New("blank encryptedPayload entry"))
		}
	}
	return nil
}
