// Package client is the client side of a chat room connection. A Controller
// owns one WebSocket, runs the connect/reconnect state machine and debounces
// typing indicators. It renders nothing; a UI consumes its Events channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"marketchat/pkg/types"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultTypingIdle     = 2 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultDialTimeout    = 10 * time.Second
	eventBufferSize       = 256
)

// State is the controller's connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventType classifies controller events
type EventType int

const (
	EventStateChanged EventType = iota
	EventServerMessage
	EventReconnectScheduled
	EventReconnectFailed
	EventConnectError
)

// Event is delivered to the UI layer through Controller.Events
type Event struct {
	Type      EventType
	State     State
	Message   *types.ServerEvent
	CloseCode int
	Attempt   int
	Delay     time.Duration
	Err       error
}

// Config configures a Controller
type Config struct {
	// URL is the full ws:// or wss:// endpoint including the room query
	URL string
	// Header is sent with every dial, typically a session cookie or bearer token
	Header http.Header
	Dialer *websocket.Dialer

	// ReconnectDelay is the fixed pause before a reconnect. Ignored when Backoff is set.
	ReconnectDelay time.Duration
	// Backoff overrides the fixed delay, e.g. ExponentialReconnect
	Backoff backoff.BackOff
	// MaxReconnectAttempts bounds consecutive failed reconnects. 0 means unlimited.
	MaxReconnectAttempts int

	TypingIdle   time.Duration
	WriteTimeout time.Duration
}

// ExponentialReconnect returns a capped exponential reconnect policy
func ExponentialReconnect(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	return b
}

// Controller manages one chat room connection.
//
// Each successful dial starts a new generation; close notifications from an
// older generation are ignored, so one close event schedules at most one
// reconnect.
type Controller struct {
	config  Config
	dialer  *websocket.Dialer
	backoff backoff.BackOff
	events  chan Event

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	generation     uint64
	userClosed     bool
	roomKey        string
	attempts       int
	reconnectTimer *time.Timer

	typing    bool
	typingSeq uint64
	idleTimer *time.Timer

	writeMu sync.Mutex
}

// NewController creates a disconnected controller
func NewController(config Config) (*Controller, error) {
	if config.URL == "" {
		return nil, ErrMissingURL
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.TypingIdle <= 0 {
		config.TypingIdle = DefaultTypingIdle
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	policy := config.Backoff
	if policy == nil {
		policy = backoff.NewConstantBackOff(config.ReconnectDelay)
	}

	return &Controller{
		config:  config,
		dialer:  dialer,
		backoff: policy,
		events:  make(chan Event, eventBufferSize),
		state:   StateDisconnected,
	}, nil
}

// Events returns the channel of controller events. It is never closed.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the current connection state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomKey returns the room key announced by the server, empty before the first connected event
func (c *Controller) RoomKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomKey
}

// Connect dials the server. It is also the manual reconnect after a normal
// close or exhausted retries. A failed manual dial is returned and not retried.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.userClosed = false
	c.attempts = 0
	c.backoff.Reset()
	c.stopReconnectLocked()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Close shuts the connection down with a normal closure. No reconnect follows.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.userClosed = true
	c.stopReconnectLocked()
	c.stopTypingLocked()
	conn := c.conn
	c.conn = nil
	c.generation++
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	deadline := time.Now().Add(c.config.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
	writeErr := conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		return err
	}
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return writeErr
	}
	return nil
}

// Send sends a chat message. Any pending typing indicator is cleared with stop_typing.
func (c *Controller) Send(text string) error {
	conn, err := c.readyConn()
	if err != nil {
		return err
	}
	if err := c.write(conn, types.InboundEvent{Type: types.EventMessage, Message: text}); err != nil {
		return err
	}

	c.mu.Lock()
	wasTyping := c.typing
	c.stopTypingLocked()
	c.mu.Unlock()

	if wasTyping {
		return c.write(conn, types.InboundEvent{Type: types.EventStopTyping})
	}
	return nil
}

// Keystroke records input activity. The first keystroke of a burst emits
// typing; stop_typing follows once input has been idle for TypingIdle.
func (c *Controller) Keystroke() error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotReady
	}
	conn := c.conn
	first := !c.typing
	c.typing = true
	c.armIdleLocked()
	c.mu.Unlock()

	if first {
		return c.write(conn, types.InboundEvent{Type: types.EventTyping})
	}
	return nil
}

// armIdleLocked replaces the idle timer. A superseded timer that already
// fired is ignored through typingSeq.
func (c *Controller) armIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.typingSeq++
	seq := c.typingSeq
	c.idleTimer = time.AfterFunc(c.config.TypingIdle, func() { c.typingIdle(seq) })
}

func (c *Controller) typingIdle(seq uint64) {
	c.mu.Lock()
	if seq != c.typingSeq || !c.typing {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.idleTimer = nil
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, types.InboundEvent{Type: types.EventStopTyping}); err != nil {
			log.Printf("Failed to send stop_typing: %v", err)
		}
	}
}

func (c *Controller) stopTypingLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.typing = false
	c.typingSeq++
}

func (c *Controller) readyConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return nil, ErrNotReady
	}
	return c.conn, nil
}

func (c *Controller) write(conn *websocket.Conn, event types.InboundEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", event.Type, err)
	}
	return nil
}

// dial opens a connection, announces join and starts the read loop.
// The caller has already moved the state to connecting.
func (c *Controller) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, c.config.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial rejected with status %d: %w", resp.StatusCode, err)
		}
		c.emit(Event{Type: EventConnectError, State: StateDisconnected, Err: err})
		return err
	}

	c.mu.Lock()
	if c.userClosed || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotReady
	}
	c.generation++
	gen := c.generation
	c.conn = conn
	c.attempts = 0
	c.backoff.Reset()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	if err := c.write(conn, types.InboundEvent{Type: types.EventJoin}); err != nil {
		log.Printf("Failed to announce join: %v", err)
	}
	return nil
}

func (c *Controller) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}

		var event types.ServerEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("Dropping malformed server frame: %v", err)
			continue
		}

		if event.Type == types.EventConnected || event.Type == types.EventJoined {
			c.mu.Lock()
			if gen == c.generation {
				c.roomKey = event.RoomKey
			}
			c.mu.Unlock()
		}

		c.emit(Event{Type: EventServerMessage, State: StateConnected, Message: &event})
	}
}

// handleClose reacts to the end of generation gen. Only a close from the
// server with 1000, or a Close call, counts as expected.
func (c *Controller) handleClose(conn *websocket.Conn, gen uint64, err error) {
	_ = conn.Close()

	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}
	c.conn = nil
	c.stopTypingLocked()
	c.setStateLocked(StateDisconnected, code)

	if c.userClosed || code == websocket.CloseNormalClosure {
		log.Printf("Connection closed normally (code %d)", code)
		return
	}

	log.Printf("Connection lost (code %d): %v", code, err)
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer unless one is already pending
func (c *Controller) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}

	c.attempts++
	if c.config.MaxReconnectAttempts > 0 && c.attempts > c.config.MaxReconnectAttempts {
		c.emit(Event{Type: EventReconnectFailed, State: c.state, Attempt: c.attempts - 1})
		return
	}

	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.emit(Event{Type: EventReconnectFailed, State: c.state, Attempt: c.attempts - 1})
		return
	}

	attempt := c.attempts
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.emit(Event{Type: EventReconnectScheduled, State: c.state, Attempt: attempt, Delay: delay})
}

func (c *Controller) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.userClosed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dial(context.Background()); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateConnecting || c.userClosed {
			return
		}
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked()
	}
}

func (c *Controller) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Controller) setStateLocked(state State, closeCode ...int) {
	c.state = state
	event := Event{Type: EventStateChanged, State: state}
	if len(closeCode) > 0 {
		event.CloseCode = closeCode[0]
	}
	c.emit(event)
}

// emit never blocks. Events are dropped while the buffer is full.
func (c *Controller) emit(event Event) {
	select {
	case c.events <- event:
	default:
		log.Printf("Controller event buffer full, dropping event type %d", event.Type)
	}
}
