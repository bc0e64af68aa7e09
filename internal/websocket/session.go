package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"marketchat/internal/hub"
	"marketchat/internal/registry"
	"marketchat/pkg/interfaces"
	"marketchat/pkg/types"
)

const (
	maxDecodeErrors = 5
	saveTimeout     = 10 * time.Second
	historyTimeout  = 5 * time.Second
)

// sessionState tracks one connection's lifecycle
type sessionState int

const (
	stateOpening sessionState = iota
	stateJoined
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// chatSession is the server side of one connection: it greets the client,
// then decodes inbound frames and turns them into broadcasts or replies.
// All state is owned by the read goroutine.
type chatSession struct {
	conn    *Connection
	ws      *websocket.Conn
	hub     *hub.Hub
	store   interfaces.MessageStore
	config  Config
	limiter *rate.Limiter

	state        sessionState
	decodeErrors int
}

func newChatSession(conn *Connection, ws *websocket.Conn, h *hub.Hub, store interfaces.MessageStore, config Config) *chatSession {
	s := &chatSession{
		conn:   conn,
		ws:     ws,
		hub:    h,
		store:  store,
		config: config,
		state:  stateOpening,
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return s
}

// run drives the session until the transport closes
func (s *chatSession) run() {
	defer s.close()

	if err := s.open(); err != nil {
		return
	}

	go s.heartbeat()
	s.readLoop()
}

// open queues connected (and history for article rooms) and joins the room.
// The greeting is queued under the room lock, so no live traffic can precede it.
func (s *chatSession) open() error {
	room := s.conn.Room()

	greeting := make([][]byte, 0, 2)
	connected, err := json.Marshal(types.ConnectedEvent{
		Type:         types.EventConnected,
		RoomKey:      room.Key,
		IsDirectChat: room.Direct,
	})
	if err != nil {
		return err
	}
	greeting = append(greeting, connected)

	if !room.Direct {
		greeting = append(greeting, s.historyFrame(room.ArticleID))
	}

	if err := s.hub.Join(s.conn, greeting...); err != nil {
		log.Printf("Failed to join room %s for user %d: %v", room.Key, s.conn.UserID(), err)
		switch {
		case errors.Is(err, hub.ErrHubNotRunning):
			_ = s.conn.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
		case errors.Is(err, registry.ErrDuplicateConnection):
			_ = s.conn.CloseWithReason(websocket.CloseInternalServerErr, "duplicate connection")
		default:
			_ = s.conn.CloseWithReason(websocket.CloseInternalServerErr, "join failed")
		}
		return err
	}

	s.state = stateJoined
	log.Printf("Session joined: conn=%s user=%s room=%s direct=%t",
		s.conn.ID(), s.conn.Username(), room.Key, room.Direct)
	return nil
}

// historyFrame returns the history event, or an error frame when the store
// cannot be read. The session continues with live traffic either way.
func (s *chatSession) historyFrame(articleID string) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	messages, err := s.store.History(ctx, articleID, s.config.HistoryLimit)
	if err != nil {
		log.Printf("Failed to load history for article %s: %v", articleID, err)
		data, _ := json.Marshal(types.NewErrorEvent("history unavailable"))
		return data
	}
	if messages == nil {
		messages = []types.ChatMessage{}
	}

	data, err := json.Marshal(types.HistoryEvent{Type: types.EventHistory, Messages: messages})
	if err != nil {
		data, _ = json.Marshal(types.NewErrorEvent("history unavailable"))
	}
	return data
}

// close leaves the room, which announces user_left only if the session got
// as far as joining, and releases the socket
func (s *chatSession) close() {
	if s.state == stateJoined {
		s.hub.Leave(s.conn)
	}
	s.state = stateClosed
	_ = s.conn.Close()
}

// heartbeat pings the peer until the connection closes
func (s *chatSession) heartbeat() {
	if s.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.conn.Context().Done():
			return
		}
	}
}

func (s *chatSession) extendDeadline() error {
	if s.config.ReadTimeout <= 0 {
		return nil
	}
	return s.ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
}

func (s *chatSession) readLoop() {
	if s.config.MaxMessageBytes > 0 {
		s.ws.SetReadLimit(s.config.MaxMessageBytes)
	}
	if err := s.extendDeadline(); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	s.ws.SetPongHandler(func(string) error {
		return s.extendDeadline()
	})

	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Abnormal disconnect: conn=%s user=%d: %v", s.conn.ID(), s.conn.UserID(), err)
			}
			return
		}
		if err := s.extendDeadline(); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			s.replyError("unsupported frame type")
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.replyError("rate limit exceeded")
			continue
		}

		var event types.InboundEvent
		if err := json.Unmarshal(data, &event); err != nil {
			s.decodeErrors++
			if s.decodeErrors >= maxDecodeErrors {
				log.Printf("Closing conn=%s after %d malformed frames", s.conn.ID(), s.decodeErrors)
				_ = s.conn.CloseWithReason(websocket.CloseUnsupportedData, "too many malformed frames")
				return
			}
			s.replyError("invalid JSON")
			continue
		}
		s.decodeErrors = 0

		s.dispatch(event)
	}
}

// dispatch handles one decoded inbound event
func (s *chatSession) dispatch(event types.InboundEvent) {
	if !types.IsInboundEventType(event.Type) {
		s.replyError(fmt.Sprintf("unknown event type: %q", event.Type))
		return
	}

	switch event.Type {
	case types.EventJoin:
		room := s.conn.Room()
		s.reply(types.ConnectedEvent{Type: types.EventJoined, RoomKey: room.Key, IsDirectChat: room.Direct})
	case types.EventMessage:
		s.handleMessage(event.Message)
	case types.EventTyping, types.EventStopTyping:
		s.hub.Broadcast(context.Background(), s.conn.RoomKey(), types.TypingEvent{
			Type:     event.Type,
			UserID:   s.conn.UserID(),
			Username: s.conn.Username(),
		}, s.conn.ID())
	}
}

// handleMessage persists article messages before broadcasting them to the
// whole room including the sender. Direct messages are relayed only.
func (s *chatSession) handleMessage(raw string) {
	text, err := types.NormalizeMessage(raw, s.config.MaxMessageRunes)
	if errors.Is(err, types.ErrEmptyMessage) {
		return
	}
	if err != nil {
		s.replyError(err.Error())
		return
	}

	room := s.conn.Room()
	msg := &types.ChatMessage{
		ArticleID: room.ArticleID,
		UserID:    s.conn.UserID(),
		Username:  s.conn.Username(),
		Message:   text,
	}

	if room.Direct {
		msg.Timestamp = time.Now().UTC()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		_, err := s.store.SaveMessage(ctx, msg)
		cancel()
		if err != nil {
			log.Printf("Failed to save message: conn=%s article=%s: %v", s.conn.ID(), room.ArticleID, err)
			s.replyError("failed to save message")
			return
		}
	}

	s.hub.Broadcast(context.Background(), room.Key, types.NewMessageEvent(msg), "")
}

func (s *chatSession) reply(event any) {
	if err := s.hub.SendTo(s.conn, event); err != nil {
		log.Printf("Failed to reply to conn=%s: %v", s.conn.ID(), err)
	}
}

func (s *chatSession) replyError(message string) {
	s.reply(types.NewErrorEvent(message))
}
