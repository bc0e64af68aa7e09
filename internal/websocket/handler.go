package websocket

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/hub"
	"marketchat/internal/session"
	"marketchat/pkg/interfaces"
	"marketchat/pkg/types"
)

// Config holds socket and chat tuning for the handler
type Config struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string

	HistoryLimit    int
	MaxMessageRunes int
	RateLimit       float64 // inbound frames per second
	RateBurst       int

	CookieName string // session cookie carrying the token
}

// DefaultConfig returns the handler defaults
func DefaultConfig() Config {
	return Config{
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    5 * time.Second,
		SendBuffer:      100,
		MaxMessageBytes: 16 * 1024,
		AllowedOrigins:  []string{"*"},
		HistoryLimit:    50,
		MaxMessageRunes: types.MaxMessageRunes,
		RateLimit:       10,
		RateBurst:       20,
		CookieName:      "session",
	}
}

// Handler upgrades chat requests and runs one session per connection
type Handler struct {
	hub      *hub.Hub
	sessions interfaces.SessionValidator
	store    interfaces.MessageStore
	config   Config
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler
func NewHandler(h *hub.Hub, sessions interfaces.SessionValidator, store interfaces.MessageStore, config Config) *Handler {
	origins := newOriginPolicy(config.AllowedOrigins)
	return &Handler{
		hub:      h,
		sessions: sessions,
		store:    store,
		config:   config,
		upgrader: websocket.Upgrader{
			CheckOrigin:      origins.check,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleWebSocket validates the caller and the requested room before upgrading.
// Every rejection is a plain HTTP error; nothing is upgraded on failure.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.hub.IsRunning() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	token := session.TokenFromRequest(r, h.config.CookieName)
	if token == "" {
		http.Error(w, "Missing session token", http.StatusUnauthorized)
		return
	}

	identity, err := h.sessions.ValidateSession(r.Context(), token)
	if err != nil {
		log.Printf("Rejected upgrade: session validation failed: %v", err)
		http.Error(w, "Invalid session", http.StatusUnauthorized)
		return
	}

	req, err := parseRoomRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	room, err := h.hub.ResolveRoom(r.Context(), req, identity)
	if err != nil {
		status := rejectionStatus(err)
		log.Printf("Rejected upgrade: user=%d status=%d: %v", identity.UserID, status, err)
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, identity, room, h.config.SendBuffer, h.config.WriteTimeout)
	go newChatSession(wsConn, conn, h.hub, h.store, h.config).run()
}

// parseRoomRequest reads article_id, or peer_id / peer for a direct chat
func parseRoomRequest(r *http.Request) (types.RoomRequest, error) {
	q := r.URL.Query()
	req := types.RoomRequest{
		ArticleID:    q.Get("article_id"),
		PeerUsername: q.Get("peer"),
	}
	if raw := q.Get("peer_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return types.RoomRequest{}, ErrInvalidParameters
		}
		req.PeerID = id
	}
	return req, nil
}

func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, hub.ErrArticleNotFound), errors.Is(err, hub.ErrPeerNotFound):
		return http.StatusNotFound
	case errors.Is(err, hub.ErrInvalidRoomRequest),
		errors.Is(err, hub.ErrSelfChat),
		errors.Is(err, types.ErrInvalidArticleID),
		errors.Is(err, types.ErrInvalidUsername),
		errors.Is(err, types.ErrInvalidRoomKey):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
