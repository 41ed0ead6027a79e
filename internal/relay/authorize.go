package relay

import (
	"context"
	"errors"

	"cipherchat/internal/protocol"
	"cipherchat/internal/store"
)

// authorizeJoin checks channel membership: a direct id composed from
// userID and a peer is granted outright, anything else must be a group
// channel whose group lists userID.
func (r *Relay) authorizeJoin(ctx context.Context, userID, channelID string) (bool, error) {
	if store.IsDirectParticipant(channelID, userID) {
		return true, nil
	}
	return r.groupChannelMember(ctx, userID, channelID, "")
}

// authorizeSend re-checks membership on every send; a join that was valid
// earlier proves nothing now.
func (r *Relay) authorizeSend(ctx context.Context, userID string, msg protocol.SendMessage) (bool, error) {
	if msg.IsDirectMessage {
		return store.IsDirectParticipant(msg.ConversationID, userID), nil
	}
	return r.groupChannelMember(ctx, userID, msg.ConversationID, msg.GroupID)
}

// groupChannelMember reports whether userID belongs to the group owning
// channelID. When groupID is set the channel must belong to that group.
func (r *Relay) groupChannelMember(ctx context.Context, userID, channelID, groupID string) (bool, error) {
	ch, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if groupID != "" && ch.GroupID != groupID {
		return false, nil
	}
	return r.store.IsMember(ctx, ch.GroupID, userID)
}
