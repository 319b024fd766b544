// Package signaling is the participant side of the session relay: it dials the
// relay WebSocket, learns the claimed role and exchanges negotiation frames.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/mossy-p/skillswap-signaling/internal/util"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// ErrClosed is returned when writing to a closed client.
var ErrClosed = errors.New("signaling client closed")

// Client manages the WebSocket connection to the relay.
type Client struct {
	conn    *websocket.Conn
	welcome models.SignalMessage

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// SessionURL builds the relay endpoint for a session token or code.
func SessionURL(base, session, peerID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %s", base)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported signaling URL scheme: %s", u.Scheme)
	}
	prefix := strings.TrimSuffix(u.Path, "/") + "/ws/session/"
	u.Path = prefix + session
	u.RawPath = prefix + url.PathEscape(session)
	if peerID != "" {
		q := u.Query()
		q.Set("peer", peerID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// HTTPURL maps a relay URL to the http(s) address of the same server, so REST
// paths such as the sessions listing can be built from it.
func HTTPURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %s", base)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported signaling URL scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = ""
	return u.String(), nil
}

// Dial connects to the relay and waits for the welcome frame carrying the role
// the relay assigned to this participant.
func Dial(ctx context.Context, base, session, peerID string) (*Client, error) {
	endpoint, err := SessionURL(base, session, peerID)
	if err != nil {
		return nil, err
	}

	util.LogDebug("[signal] connecting to %s", endpoint)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to join session %s: %w (HTTP %d)", session, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	var welcome models.SignalMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	if welcome.Type != models.SignalTypeWelcome || !welcome.Role.Valid() {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q from relay", welcome.Type)
	}

	return &Client{
		conn:    conn,
		welcome: welcome,
		closed:  make(chan struct{}),
	}, nil
}

// Role is the role the relay assigned on join.
func (c *Client) Role() models.Role { return c.welcome.Role }

// PeerID is the participant id, generated by the relay when none was given.
func (c *Client) PeerID() string { return c.welcome.PeerID }

// SessionID is the resolved session token.
func (c *Client) SessionID() string { return c.welcome.SessionID }

// Publish sends a negotiation payload (offer, answer or candidate).
func (c *Client) Publish(kind models.SignalType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return c.send(models.SignalMessage{Type: kind, Payload: data})
}

// Ack confirms that a delivered message has been consumed.
func (c *Client) Ack(id string) error {
	return c.send(models.SignalMessage{Type: models.SignalTypeAck, ID: id})
}

// ReportState tells the relay which connection state this side observes.
func (c *Client) ReportState(state string) error {
	return c.send(models.SignalMessage{Type: models.SignalTypeState, State: state})
}

// Bye ends the session for both participants.
func (c *Client) Bye() error {
	return c.send(models.SignalMessage{Type: models.SignalTypeBye})
}

func (c *Client) send(msg models.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	util.LogDebug("[signal] >>> %s", msg.Type)
	return nil
}

// Run reads frames and hands each one to fn until the connection closes or ctx
// is cancelled. fn is called from a single goroutine, in arrival order.
func (c *Client) Run(ctx context.Context, fn func(models.SignalMessage)) error {
	go c.pingLoop()

	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg models.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read from relay: %w", err)
		}

		util.LogDebug("[signal] <<< %s", msg.Type)
		fn(msg)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					util.LogWarning("[signal] ping error: %v", err)
				}
				return
			}
		}
	}
}

// Close shuts down the WebSocket connection. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	})
}
