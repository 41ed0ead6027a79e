package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names as they appear on the wire.
const (
	EventJoinChannel       = "joinChannel"
	EventLeaveChannel      = "leaveChannel"
	EventSendMessage       = "sendMessage"
	EventSubscribeToStatus = "subscribeToStatus"
	EventRegisterPublicKey = "security:register-public-key"

	EventEncryptedMessage = "encryptedMessage"
	EventStatusUpdate     = "statusUpdate"
	EventNewConversation  = "newConversation"
	EventMessageError     = "messageError"
	EventSignalError      = "webrtc:error"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed event payload")
)

// Frame is the raw envelope read from a socket. Data is decoded lazily
// once the event name is known.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is what the server writes to a socket.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Handler receives one call per inbound event kind. Adding a new kind to
// the protocol means adding a method here, so every implementation stops
// compiling until it handles it.
type Handler interface {
	JoinChannel(ctx context.Context, ev JoinChannel)
	LeaveChannel(ctx context.Context, ev LeaveChannel)
	SendMessage(ctx context.Context, ev SendMessage)
	SubscribeToStatus(ctx context.Context, ev SubscribeToStatus)
	Signal(ctx context.Context, ev Signal)
	RegisterPublicKey(ctx context.Context, ev RegisterPublicKey)
}

// Inbound is the closed set of client events. Only types in this package
// implement it.
type Inbound interface {
	Name() string
	Dispatch(ctx context.Context, h Handler)
	inbound()
}

type JoinChannel struct {
	ConversationID string `json:"conversationId"`
}

type LeaveChannel struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	ConversationID   string            `json:"conversationId"`
	IsDirectMessage  bool              `json:"isDirectMessage"`
	GroupID          string            `json:"groupId,omitempty"`
	EncryptedPayload map[string]string `json:"encryptedPayload"`
}

type SubscribeToStatus struct {
	UserIDs []string `json:"userIds"`
}

type RegisterPublicKey struct {
	PublicKey string `json:"publicKey"`
}

func (JoinChannel) Name() string       { return EventJoinChannel }
func (LeaveChannel) Name() string      { return EventLeaveChannel }
func (SendMessage) Name() string       { return EventSendMessage }
func (SubscribeToStatus) Name() string { return EventSubscribeToStatus }
func (RegisterPublicKey) Name() string { return EventRegisterPublicKey }
func (s Signal) Name() string          { return s.Kind.Event() }

func (ev JoinChannel) Dispatch(ctx context.Context, h Handler)       { h.JoinChannel(ctx, ev) }
func (ev LeaveChannel) Dispatch(ctx context.Context, h Handler)      { h.LeaveChannel(ctx, ev) }
func (ev SendMessage) Dispatch(ctx context.Context, h Handler)       { h.SendMessage(ctx, ev) }
func (ev SubscribeToStatus) Dispatch(ctx context.Context, h Handler) { h.SubscribeToStatus(ctx, ev) }
func (ev RegisterPublicKey) Dispatch(ctx context.Context, h Handler) { h.RegisterPublicKey(ctx, ev) }
func (ev Signal) Dispatch(ctx context.Context, h Handler)            { h.Signal(ctx, ev) }

func (JoinChannel) inbound()       {}
func (LeaveChannel) inbound()      {}
func (SendMessage) inbound()       {}
func (SubscribeToStatus) inbound() {}
func (RegisterPublicKey) inbound() {}
func (Signal) inbound()            {}

// Decode parses one socket frame into its typed event.
func Decode(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if kind, ok := ParseSignalKind(f.Event); ok {
		sig := Signal{Kind: kind}
		if err := decodeData(f.Data, &sig); err != nil {
			return sig, err
		}
		sig.Kind = kind
		return sig, nil
	}

	switch f.Event {
	case EventJoinChannel:
		var ev JoinChannel
		err := decodeData(f.Data, &ev)
		return ev, err
	case EventLeaveChannel:
		var ev LeaveChannel
		err := decodeData(f.Data, &ev)
		return ev, err
	case EventSendMessage:
		var ev SendMessage
		err := decodeData(f.Data, &ev)
		return ev, err
	case EventSubscribeToStatus:
		var ev SubscribeToStatus
		err := decodeData(f.Data, &ev)
		return ev, err
	case EventRegisterPublicKey:
		var ev RegisterPublicKey
		err := decodeData(f.Data, &ev)
		return ev, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
