package protocol

import "time"

// ---------------------------------------------
// 📤 Server -> Client payloads
// ---------------------------------------------

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// AuthorInfo is the sender's display snapshot taken at send time.
type AuthorInfo struct {
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

type EncryptedMessage struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversationId"`
	AuthorID         string            `json:"authorId"`
	AuthorInfo       AuthorInfo        `json:"authorInfo"`
	EncryptedPayload map[string]string `json:"encryptedPayload"`
	CreatedAt        time.Time         `json:"createdAt"`
}

type StatusUpdate struct {
	UID      string     `json:"uid"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen"`
}

// ErrorMessage backs both messageError and webrtc:error.
type ErrorMessage struct {
	Message string `json:"message"`
}

func MessageError(msg string) Outbound {
	return Outbound{Event: EventMessageError, Data: ErrorMessage{Message: msg}}
}

func SignalError(msg string) Outbound {
	return Outbound{Event: EventSignalError, Data: ErrorMessage{Message: msg}}
}

func NewStatusUpdate(uid string, status Status, lastSeen *time.Time) Outbound {
	return Outbound{Event: EventStatusUpdate, Data: StatusUpdate{UID: uid, Status: status, LastSeen: lastSeen}}
}
