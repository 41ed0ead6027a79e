package store

import (
	"time"

	"cipherchat/internal/protocol"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type User struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	Email       string          `json:"email,omitempty"`
	PhotoURL    string          `json:"photoURL,omitempty"`
	PublicKey   string          `json:"publicKey,omitempty"`
	Status      protocol.Status `json:"status"`
	LastSeen    *time.Time      `json:"lastSeen"`
}

type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Channel struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"groupId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a persisted envelope. The payload is never decrypted here.
type Message struct {
	ID               string              `json:"id"`
	ChannelID        string              `json:"conversationId"`
	AuthorID         string              `json:"authorId"`
	AuthorInfo       protocol.AuthorInfo `json:"authorInfo"`
	EncryptedPayload map[string]string   `json:"encryptedPayload"`
	CreatedAt        time.Time           `json:"createdAt"`
}

func (m *Message) Event() protocol.Outbound {
	return protocol.Outbound{
		Event: protocol.EventEncryptedMessage,
		Data: protocol.EncryptedMessage{
			ID:               m.ID,
			ConversationID:   m.ChannelID,
			AuthorID:         m.AuthorID,
			AuthorInfo:       m.AuthorInfo,
			EncryptedPayload: m.EncryptedPayload,
			CreatedAt:        m.CreatedAt,
		},
	}
}

// ---------------------------------------------
// 💬 Conversation list entries
// ---------------------------------------------

const (
	ConversationGroup  = "group"
	ConversationDirect = "direct"
)

// GroupData is attached to group entries so clients can render the
// channel list without another fetch.
type GroupData struct {
	OwnerID  string    `json:"ownerId"`
	Members  []string  `json:"members"`
	Channels []Channel `json:"channels"`
}

// Conversation is one entry of GET /api/conversations. The same shape is
// pushed as a newConversation event.
type Conversation struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Name      string     `json:"name"`
	GroupData *GroupData `json:"groupData,omitempty"`
	Peer      *User      `json:"peer,omitempty"`
}

func GroupConversation(g *Group, members []string, channels []Channel) Conversation {
	if members == nil {
		members = []string{}
	}
	if channels == nil {
		channels = []Channel{}
	}
	return Conversation{
		ID:   g.ID,
		Type: ConversationGroup,
		Name: g.Name,
		GroupData: &GroupData{
			OwnerID:  g.OwnerID,
			Members:  members,
			Channels: channels,
		},
	}
}

func DirectConversation(me string, peer User) Conversation {
	return Conversation{
		ID:   DirectChannelID(me, peer.ID),
		Type: ConversationDirect,
		Name: peer.DisplayName,
		Peer: &peer,
	}
}
