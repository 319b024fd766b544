package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/mossy-p/skillswap-signaling/internal/store"
	"github.com/mossy-p/skillswap-signaling/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
	maxPeerIDLen   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one participant's relay connection. Its inbox lives in Redis; the
// connection only moves messages between the socket and the store.
type Client struct {
	PeerID    string
	SessionID string
	Role      models.Role
	Conn      *websocket.Conn
	Send      chan []byte

	store     *store.Store
	ctx       context.Context
	cancel    context.CancelFunc
	delivered chan struct{}
	ended     atomic.Bool

	mu       sync.Mutex
	inflight map[string]string // message id -> stored form, until acked
}

// HandleSignaling upgrades a participant into the session's relay. The role is
// claimed atomically before the upgrade so a full or ended session is refused
// with a plain HTTP error.
func HandleSignaling(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		identifier := c.Param("sessionId")
		if identifier == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
			return
		}

		token, err := st.Resolve(ctx, identifier)
		if err != nil {
			writeStoreError(c, err)
			return
		}

		peerID := c.Query("peer")
		if peerID == "" {
			peerID = uuid.New().String()
		}
		if len(peerID) > maxPeerIDLen {
			c.JSON(http.StatusBadRequest, gin.H{"error": "peer id too long"})
			return
		}

		role, err := st.Claim(ctx, token, peerID)
		if err != nil {
			writeStoreError(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			util.LogWarning("failed to upgrade connection for peer %s: %v", peerID, err)
			return
		}

		client := newClient(st, conn, token, peerID, role)
		util.LogInfo("peer %s joined session %s as %s", peerID, token, role)

		client.sendMessage(models.SignalMessage{
			Type:      models.SignalTypeWelcome,
			SessionID: token,
			Role:      role,
			PeerID:    peerID,
		})

		go client.writePump()
		go client.deliverPump()
		go client.readPump()
	}
}

func newClient(st *store.Store, conn *websocket.Conn, token, peerID string, role models.Role) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		PeerID:    peerID,
		SessionID: token,
		Role:      role,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		store:     st,
		ctx:       ctx,
		cancel:    cancel,
		delivered: make(chan struct{}),
		inflight:  make(map[string]string),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		<-c.delivered

		if !c.ended.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			n, err := c.store.Requeue(ctx, c.SessionID, c.Role)
			cancel()
			if err != nil {
				util.LogError("failed to requeue signals for peer %s: %v", c.PeerID, err)
			} else if n > 0 {
				util.LogDebug("requeued %d unacknowledged signals for %s in session %s", n, c.Role, c.SessionID)
			}
		}

		c.Conn.Close()
		util.LogInfo("peer %s left session %s", c.PeerID, c.SessionID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogWarning("websocket error for peer %s: %v", c.PeerID, err)
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}

		switch msg.Type {
		case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
			c.handlePublish(msg)
		case models.SignalTypeAck:
			c.handleAck(msg.ID)
		case models.SignalTypeState:
			if c.ended.Load() {
				continue
			}
			err := c.store.ReportState(c.ctx, c.SessionID, c.Role, msg.State)
			if errors.Is(err, store.ErrSessionEnded) {
				c.ended.Store(true)
			} else if err != nil {
				util.LogWarning("state report from peer %s: %v", c.PeerID, err)
			}
		case models.SignalTypeBye:
			c.handleBye()
			return
		default:
			c.sendError(fmt.Sprintf("unknown message type: %s", msg.Type))
		}
	}
}

// handlePublish stores a negotiation message for the other participant. Only the
// initiator may offer and only the joiner may answer.
func (c *Client) handlePublish(msg models.SignalMessage) {
	if c.ended.Load() {
		c.sendError("session has ended")
		return
	}
	if msg.Type == models.SignalTypeOffer && c.Role != models.RoleInitiator {
		c.sendError("only the initiator may send an offer")
		return
	}
	if msg.Type == models.SignalTypeAnswer && c.Role != models.RoleJoiner {
		c.sendError("only the joiner may send an answer")
		return
	}
	if len(msg.Payload) == 0 {
		c.sendError(fmt.Sprintf("%s without payload", msg.Type))
		return
	}

	stored, err := c.store.Publish(c.ctx, c.SessionID, c.Role, msg.Type, msg.Payload)
	if errors.Is(err, store.ErrSessionEnded) {
		c.ended.Store(true)
		c.sendError("session has ended")
		return
	}
	if err != nil && stored == nil {
		util.LogError("failed to publish %s from peer %s: %v", msg.Type, c.PeerID, err)
		c.sendError("failed to relay message")
		return
	}
	if err != nil {
		util.LogWarning("%v", err)
	}
	util.LogDebug("session %s: %s #%d from %s queued", c.SessionID, stored.Type, stored.Seq, c.Role)
}

func (c *Client) handleAck(id string) {
	c.mu.Lock()
	raw, ok := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()

	if !ok {
		util.LogDebug("peer %s acked unknown message %s", c.PeerID, id)
		return
	}
	if _, err := c.store.Ack(c.ctx, c.SessionID, c.Role, raw); err != nil {
		util.LogError("failed to ack message %s for peer %s: %v", id, c.PeerID, err)
	}
}

func (c *Client) handleBye() {
	if !c.ended.CompareAndSwap(false, true) {
		return
	}
	if err := c.store.End(c.ctx, c.SessionID, c.Role); err != nil {
		util.LogError("failed to end session %s: %v", c.SessionID, err)
		return
	}
	util.LogInfo("session %s ended by %s", c.SessionID, c.Role)
}

// deliverPump pushes inbox messages to the socket: everything queued on connect,
// then whatever arrives after each wake-up notification.
func (c *Client) deliverPump() {
	defer close(c.delivered)

	sub, err := c.store.Subscribe(c.ctx, c.SessionID, c.Role)
	if err != nil {
		if c.ctx.Err() == nil {
			util.LogError("failed to subscribe peer %s: %v", c.PeerID, err)
			c.Conn.Close()
		}
		return
	}
	defer sub.Close()

	if !c.drain() {
		return
	}

	ch := sub.Channel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			if store.IsBye(m) {
				c.ended.Store(true)
				c.enqueue(mustMarshal(models.SignalMessage{Type: models.SignalTypeBye, SessionID: c.SessionID, From: c.Role.Other()}))
				util.LogInfo("peer %s notified that session %s ended", c.PeerID, c.SessionID)
				return
			}
			if !c.drain() {
				return
			}
		}
	}
}

// drain forwards queued messages until the inbox is empty. It returns false once
// the connection is shutting down.
func (c *Client) drain() bool {
	for {
		msg, raw, err := c.store.Next(c.ctx, c.SessionID, c.Role)
		switch {
		case errors.Is(err, store.ErrInboxEmpty):
			return true
		case errors.Is(err, store.ErrCorruptSignal):
			util.LogWarning("dropped corrupt signal for peer %s: %v", c.PeerID, err)
			continue
		case err != nil:
			if c.ctx.Err() != nil {
				return false
			}
			util.LogError("failed to read inbox for peer %s: %v", c.PeerID, err)
			return true
		}

		c.mu.Lock()
		c.inflight[msg.ID] = raw
		c.mu.Unlock()

		if !c.enqueue([]byte(raw)) {
			return false
		}
	}
}

// enqueue blocks until the frame is queued for writing or the connection closes.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.Send <- data:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				util.LogWarning("failed to write to peer %s: %v", c.PeerID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// sendMessage queues a control frame; it is dropped if the buffer is full.
func (c *Client) sendMessage(msg models.SignalMessage) {
	select {
	case c.Send <- mustMarshal(msg):
	default:
		util.LogWarning("failed to send %s to peer %s, buffer full", msg.Type, c.PeerID)
	}
}

func (c *Client) sendError(reason string) {
	c.sendMessage(models.SignalMessage{Type: models.SignalTypeError, SessionID: c.SessionID, Error: reason})
}

func mustMarshal(msg models.SignalMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("marshal %s frame: %v", msg.Type, err))
	}
	return data
}
