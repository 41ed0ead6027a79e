package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cipherchat/internal/protocol"
)

var ErrNotFound = errors.New("not found")

// HistoryLimit is the page size for message history.
const HistoryLimit = 50

const directSeparator = "_"

// Store is the conversation document store the relay reads and writes.
type Store interface {
	// User operations
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	UpdateProfile(ctx context.Context, id, displayName, photoURL string) error
	SetPublicKey(ctx context.Context, id, publicKey string) error
	SearchUsers(ctx context.Context, prefix string) ([]User, error)
	RecordStatus(ctx context.Context, id string, status protocol.Status, lastSeen *time.Time) error
	Status(ctx context.Context, id string) (protocol.StatusUpdate, error)

	// Contacts
	AddContact(ctx context.Context, userID, contactID string) error
	ListContacts(ctx context.Context, userID string) ([]User, error)

	// Groups & channels
	CreateGroup(ctx context.Context, g *Group, memberIDs []string) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	ListMembers(ctx context.Context, groupID string) ([]string, error)
	ListUserGroups(ctx context.Context, userID string) ([]Group, error)
	CreateChannel(ctx context.Context, c *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	ListChannels(ctx context.Context, groupID string) ([]Channel, error)

	// Messages
	SaveMessage(ctx context.Context, m *Message) error
	RecentMessages(ctx context.Context, channelID string, cur Cursor) ([]Message, error)
}

// Cursor selects the history page preceding a point; the zero Cursor
// selects the newest page. BeforeID names a message of the same channel
// and takes precedence over Before. Messages sharing a timestamp are
// only paged exactly through BeforeID.
type Cursor struct {
	Before   time.Time
	BeforeID string
}

// DirectChannelID derives the channel id of the direct conversation
// between a and b. It is symmetric in its arguments.
func DirectChannelID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, directSeparator)
}

// DirectPeer returns the other participant of the direct channel id
// when userID is one of its two users. User ids may themselves contain
// the separator, so the id is matched against userID rather than split.
func DirectPeer(channelID, userID string) (string, bool) {
	if userID == "" {
		return "", false
	}
	var candidates []string
	if peer, ok := strings.CutPrefix(channelID, userID+directSeparator); ok {
		candidates = append(candidates, peer)
	}
	if peer, ok := strings.CutSuffix(channelID, directSeparator+userID); ok {
		candidates = append(candidates, peer)
	}
	for _, peer := range candidates {
		if peer != "" && DirectChannelID(userID, peer) == channelID {
			return peer, true
		}
	}
	return "", false
}

// IsDirectParticipant reports whether userID is one of the two users
// composing the direct channel id.
func IsDirectParticipant(channelID, userID string) bool {
	_, ok := DirectPeer(channelID, userID)
	return ok
}
