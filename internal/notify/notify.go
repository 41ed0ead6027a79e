package notify

import (
	"context"

	"go.uber.org/zap"

	"cipherchat/internal/presence"
	"cipherchat/internal/protocol"
	"cipherchat/internal/store"
)

type Lookup interface {
	Lookup(userID string) (presence.Conn, bool)
}

type Store interface {
	GetGroup(ctx context.Context, id string) (*store.Group, error)
	ListMembers(ctx context.Context, groupID string) ([]string, error)
	ListChannels(ctx context.Context, groupID string) ([]store.Channel, error)
}

// Dispatcher pushes "you were added to a conversation" events to online
// users. Offline users pick the group up on their next conversation list
// load; nothing is queued.
type Dispatcher struct {
	registry Lookup
	store    Store
	log      *zap.Logger
}

func NewDispatcher(registry Lookup, s Store, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{registry: registry, store: s, log: log}
}

// NotifyNewConversation sends userID a newConversation event for groupID
// shaped like a conversation list entry. It reports whether the event was
// delivered.
func (d *Dispatcher) NotifyNewConversation(ctx context.Context, userID, groupID string) (bool, error) {
	conn, ok := d.registry.Lookup(userID)
	if !ok {
		return false, nil
	}

	entry, err := d.groupEntry(ctx, groupID)
	if err != nil {
		d.log.Warn("load new conversation", zap.String("uid", userID), zap.String("group", groupID), zap.Error(err))
		return false, err
	}
	return conn.Send(protocol.Outbound{Event: protocol.EventNewConversation, Data: entry}), nil
}

// NotifyMembers notifies every member of groupID except skip.
func (d *Dispatcher) NotifyMembers(ctx context.Context, groupID string, memberIDs []string, skip string) int {
	delivered := 0
	for _, id := range memberIDs {
		if id == skip {
			continue
		}
		if ok, _ := d.NotifyNewConversation(ctx, id, groupID); ok {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) groupEntry(ctx context.Context, groupID string) (store.Conversation, error) {
	g, err := d.store.GetGroup(ctx, groupID)
	if err != nil {
		return store.Conversation{}, err
	}
	members, err := d.store.ListMembers(ctx, groupID)
	if err != nil {
		return store.Conversation{}, err
	}
	channels, err := d.store.ListChannels(ctx, groupID)
	if err != nil {
		return store.Conversation{}, err
	}
	return store.GroupConversation(g, members, channels), nil
}
