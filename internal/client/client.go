// Package client is a websocket client for the contest server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/protocol"
)

var ErrNotConnected = errors.New("client: not connected")

// Handler receives one server message. Handlers run on the read goroutine
// in arrival order and must not block.
type Handler func(*protocol.Envelope)

// Client holds one websocket connection to the server.
type Client struct {
	serverURL string
	conn      *websocket.Conn
	send      chan []byte
	logger    *log.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	connected bool
	contestID string
	address   string
	token     string
	handlers  map[protocol.MessageType][]Handler
	waiters   map[protocol.MessageType][]chan *protocol.Envelope
}

// NewClient creates a client for serverURL. http and https URLs are
// rewritten to their websocket schemes.
func NewClient(serverURL string, logger *log.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		serverURL: serverURL,
		send:      make(chan []byte, 64),
		logger:    logger.WithPrefix("client"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		handlers:  make(map[protocol.MessageType][]Handler),
		waiters:   make(map[protocol.MessageType][]chan *protocol.Envelope),
	}
}

// WebSocketURL converts a server base URL into its /ws endpoint.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

// Connect dials the server and starts the read and write loops.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := WebSocketURL(c.serverURL)
	if err != nil {
		return err
	}
	c.logger.Info("Connecting to server", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()

	c.logger.Debug("Connected to server")
	return nil
}

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connected = false
	})
	return nil
}

// Done is closed once the server connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// On registers a handler for a message type.
func (c *Client) On(t protocol.MessageType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// Send queues a message for the server.
func (c *Client) Send(t protocol.MessageType, data any) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	env, err := protocol.NewEnvelope(t, data, time.Now())
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	default:
		return errors.New("client: send buffer full")
	}
}

// SetToken sets the proof of address sent with seated joins and creates.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Join binds the connection to a contest, seated as address when it is
// not empty.
func (c *Client) Join(contestID, address, variant string) error {
	c.mu.Lock()
	c.contestID, c.address = contestID, address
	token := c.token
	c.mu.Unlock()
	if address == "" {
		token = ""
	}
	return c.Send(protocol.TypeJoin, protocol.Join{ContestID: contestID, Address: address, Variant: variant, Token: token})
}

// Create asks the server for a new contest. The contest id arrives in a
// created message.
func (c *Client) Create(address, variant string) error {
	c.mu.Lock()
	c.address = address
	token := c.token
	c.mu.Unlock()
	return c.Send(protocol.TypeCreate, protocol.Create{Address: address, Variant: variant, Token: token})
}

// SubmitChoice locks a side in the joined contest.
func (c *Client) SubmitChoice(side contest.Side) error {
	return c.Send(protocol.TypeSubmitChoice, protocol.SubmitChoice{ContestID: c.ContestID(), Side: string(side)})
}

// Release ends this address's charge. The server measures power from
// when the round went active.
func (c *Client) Release() error {
	return c.Send(protocol.TypeRelease, protocol.Release{ContestID: c.ContestID()})
}

func (c *Client) Leave() error {
	return c.Send(protocol.TypeLeave, protocol.Leave{ContestID: c.ContestID()})
}

func (c *Client) ContestID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contestID
}

func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// Wait returns the next message of type t.
func (c *Client) Wait(ctx context.Context, t protocol.MessageType) (*protocol.Envelope, error) {
	ch := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.waiters[t] = append(c.waiters[t], ch)
	c.mu.Unlock()

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		c.dropWaiter(t, ch)
		return nil, fmt.Errorf("waiting for %s: %w", t, ctx.Err())
	case <-c.done:
		c.dropWaiter(t, ch)
		return nil, ErrNotConnected
	}
}

// WaitState returns the next contest snapshot.
func (c *Client) WaitState(ctx context.Context) (contest.View, error) {
	env, err := c.Wait(ctx, protocol.TypeContestState)
	if err != nil {
		return contest.View{}, err
	}
	return DecodeState(env)
}

// DecodeState unpacks a contest_state envelope.
func DecodeState(env *protocol.Envelope) (contest.View, error) {
	var v contest.View
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return contest.View{}, fmt.Errorf("decode contest state: %w", err)
	}
	return v, nil
}

func (c *Client) dropWaiter(t protocol.MessageType, ch chan *protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[t]
	for i, w := range ws {
		if w == ch {
			c.waiters[t] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Warn("Dropping malformed server frame", "error", err)
			continue
		}
		c.logger.Debug("Received message", "type", env.Type)
		c.handleMessage(&env)
	}
}

func (c *Client) handleMessage(env *protocol.Envelope) {
	c.mu.Lock()
	if env.Type == protocol.TypeCreated {
		var created protocol.Created
		if err := json.Unmarshal(env.Data, &created); err == nil {
			c.contestID = created.ContestID
		}
	}
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	waiters := c.waiters[env.Type]
	delete(c.waiters, env.Type)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- env
	}
	for _, h := range handlers {
		h(env)
	}
	if len(handlers) == 0 && len(waiters) == 0 {
		c.logger.Debug("No handler for message type", "type", env.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
