package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cipherchat/internal/presence"
	"cipherchat/internal/relay"
	"cipherchat/internal/signaling"
)

const shutdownWait = 5 * time.Second

// KeyStore persists public keys registered over the socket.
type KeyStore interface {
	SetPublicKey(ctx context.Context, userID, publicKey string) error
}

// Hub owns the lifecycle of every socket. Run is the only goroutine that
// touches clients, so register and unregister never interleave.
type Hub struct {
	registry  *presence.Registry
	relay     *relay.Relay
	signaling *signaling.Relay
	keys      KeyStore
	log       *zap.Logger

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(registry *presence.Registry, rl *relay.Relay, sig *signaling.Relay, keys KeyStore, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		registry:   registry,
		relay:      rl,
		signaling:  sig,
		keys:       keys,
		log:        log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves register/unregister requests until ctx is cancelled, then
// closes every socket and marks its user offline.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			if prev := h.registry.Register(ctx, client.UserID(), client); prev != nil {
				h.log.Info("connection replaced", zap.String("uid", client.UserID()))
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(ctx, client)
			}

		case <-ctx.Done():
			h.shutdown()
			return nil
		}
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) drop(ctx context.Context, c *Client) {
	delete(h.clients, c)
	h.relay.LeaveAll(c)
	h.registry.Forget(c)
	h.registry.Unregister(ctx, c.UserID(), c)
	c.close()
}

func (h *Hub) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()

	h.log.Info("closing sockets", zap.Int("clients", len(h.clients)))
	for c := range h.clients {
		h.drop(ctx, c)
	}
	h.registry.Close()
}
