package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cipherchat/internal/identity"
	"cipherchat/internal/protocol"
	"cipherchat/internal/relay"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512 << 10           // Envelopes carry one ciphertext per recipient.
	sendBuffer     = 256                 // Outbound frames queued before the client counts as slow.
	eventTimeout   = 10 * time.Second    // Upper bound on store work for one inbound event.
)

const malformedSignal = "Invalid signaling message"

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   identity.Identity
	log  *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, id identity.Identity) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		id:   id,
		log:  hub.log.With(zap.String("uid", id.UserID)),
		send: make(chan []byte, sendBuffer),
	}
}

func (c *Client) UserID() string      { return c.id.UserID }
func (c *Client) DisplayName() string { return c.id.DisplayName }
func (c *Client) PhotoURL() string    { return c.id.PhotoURL }

// Send queues a frame. A client whose buffer is full is disconnected
// rather than allowed to stall its senders.
func (c *Client) Send(frame protocol.Outbound) bool {
	b, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("marshal outbound frame", zap.String("event", frame.Event), zap.Error(err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		c.log.Warn("send buffer full, dropping slow client")
		c.closeLocked()
		return false
	}
}

// close stops the write pump, which closes the socket.
func (c *Client) close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps frames from the websocket connection to the relays.
// Frames are handled one at a time, so a client's events keep their order.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info("socket closed", zap.Error(err))
			}
			return
		}
		c.handle(message)
	}
}

// WritePump pumps queued frames to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub or a full buffer closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle decodes and dispatches one inbound frame.
func (c *Client) handle(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic handling event", zap.Any("panic", r))
		}
	}()

	ev, err := protocol.Decode(raw)
	if err != nil {
		c.rejectMalformed(ev, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	ev.Dispatch(ctx, c)
}

func (c *Client) rejectMalformed(ev protocol.Inbound, err error) {
	c.log.Debug("rejected inbound frame", zap.Error(err))
	if errors.Is(err, protocol.ErrUnknownEvent) {
		return
	}
	switch ev.(type) {
	case protocol.Signal:
		c.Send(protocol.SignalError(malformedSignal))
	case protocol.SendMessage, nil:
		// Frames that are not JSON at all carry no event name.
		c.Send(protocol.MessageError(relay.GenericError))
	}
}

// ---------------------------------------------
// protocol.Handler
// ---------------------------------------------

func (c *Client) JoinChannel(ctx context.Context, ev protocol.JoinChannel) {
	c.hub.relay.Join(ctx, c, ev.ConversationID)
}

func (c *Client) LeaveChannel(_ context.Context, ev protocol.LeaveChannel) {
	c.hub.relay.Leave(c, ev.ConversationID)
}

func (c *Client) SendMessage(ctx context.Context, ev protocol.SendMessage) {
	c.hub.relay.Send(ctx, c, ev)
}

func (c *Client) SubscribeToStatus(_ context.Context, ev protocol.SubscribeToStatus) {
	c.hub.registry.Subscribe(c, ev.UserIDs)
}

func (c *Client) Signal(ctx context.Context, ev protocol.Signal) {
	c.hub.signaling.Forward(ctx, c, ev)
}

func (c *Client) RegisterPublicKey(ctx context.Context, ev protocol.RegisterPublicKey) {
	if ev.PublicKey == "" {
		return
	}
	if err := c.hub.keys.SetPublicKey(ctx, c.UserID(), ev.PublicKey); err != nil {
		c.log.Warn("register public key", zap.Error(err))
	}
}
