package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketchat/pkg/types"
)

const (
	defaultSendBuffer   = 100
	defaultWriteTimeout = 5 * time.Second
)

// Connection implements interfaces.Connection over a gorilla socket.
// All data frames go through writeCh to a single writer goroutine; Send never blocks.
type Connection struct {
	conn         *websocket.Conn
	id           string
	identity     types.Identity
	room         types.Room
	writeCh      chan []byte
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{} // closed once the socket is closed
	closeOnce sync.Once

	mu         sync.Mutex // guards closeFrame
	closeFrame []byte
}

// NewConnection wraps conn for identity in room and starts its writer
func NewConnection(conn *websocket.Conn, identity types.Identity, room types.Room, sendBuffer int, writeTimeout time.Duration) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.NewString(),
		identity:     identity,
		room:         room,
		writeCh:      make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go c.writeLoop()

	return c
}

// writeLoop is the only writer of data frames. On close it flushes what is
// already queued, sends the close frame and closes the socket.
func (c *Connection) writeLoop() {
	defer close(c.done)
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush drains queued frames then writes the close frame, if any
func (c *Connection) flush() {
	for len(c.writeCh) > 0 {
		if err := c.write(<-c.writeCh); err != nil {
			return
		}
	}

	c.mu.Lock()
	frame := c.closeFrame
	c.mu.Unlock()
	if frame != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(c.writeTimeout))
	}
}

// Send queues a frame. It fails fast with ErrSendBufferFull instead of blocking
// the broadcaster on a slow peer.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// CloseWithReason closes the connection with a close frame carrying code.
// Frames queued before the call are still written.
func (c *Connection) CloseWithReason(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeFrame = websocket.FormatCloseMessage(code, reason)
		c.mu.Unlock()
		c.cancel()
	})
	return nil
}

// Close closes the connection normally
func (c *Connection) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// Done is closed once the underlying socket is closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Context is cancelled when the connection starts closing
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) UserID() int64    { return c.identity.UserID }
func (c *Connection) Username() string { return c.identity.Username }
func (c *Connection) RoomKey() string  { return c.room.Key }

// Room returns the resolved room this connection belongs to
func (c *Connection) Room() types.Room { return c.room }
