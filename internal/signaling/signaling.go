// Package signaling relays WebRTC negotiation messages between two users.
//
// The relay keeps no call state. Each message is looked up against the
// presence registry and forwarded to the target's current connection with
// the sender's authenticated id stamped in. Offer/answer pairing, glare
// and duplicate hang-ups are left to the peers' own state machines, and a
// peer disconnecting mid-call does not produce a synthesized hang-up.
package signaling

import (
	"context"

	"go.uber.org/zap"

	"cipherchat/internal/presence"
	"cipherchat/internal/protocol"
)

// Unreachable is reported to the sender when the target has no live
// connection.
const Unreachable = "User is not available"

type Lookup interface {
	Lookup(userID string) (presence.Conn, bool)
}

type Relay struct {
	registry Lookup
	log      *zap.Logger
}

func New(registry Lookup, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{registry: registry, log: log}
}

// Forward delivers sig to its recipient. It reports whether the frame was
// handed to the recipient's connection.
func (r *Relay) Forward(_ context.Context, from presence.Conn, sig protocol.Signal) bool {
	if sig.RecipientUID == "" {
		from.Send(protocol.SignalError(Unreachable))
		return false
	}

	target, ok := r.registry.Lookup(sig.RecipientUID)
	if !ok {
		r.log.Debug("signal target offline",
			zap.String("kind", string(sig.Kind)),
			zap.String("from", from.UserID()),
			zap.String("to", sig.RecipientUID))
		from.Send(protocol.SignalError(Unreachable))
		return false
	}

	if !target.Send(sig.Relay(from.UserID())) {
		r.log.Warn("signal dropped by target connection",
			zap.String("kind", string(sig.Kind)),
			zap.String("to", sig.RecipientUID))
		from.Send(protocol.SignalError(Unreachable))
		return false
	}
	return true
}
