package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"marketchat/internal/registry"
	"marketchat/pkg/interfaces"
	"marketchat/pkg/types"
)

// Hub is the room broker: it resolves room keys, tracks join/leave and fans
// events out to room members. Delivery is synchronous up to each connection's
// outbound queue; writes to the socket happen on that connection's writer.
type Hub struct {
	registry *registry.Registry
	articles interfaces.ArticleDirectory
	users    interfaces.UserDirectory
	tracer   trace.Tracer

	running bool
	mu      sync.RWMutex
}

// NewHub creates a new hub
func NewHub(reg *registry.Registry, articles interfaces.ArticleDirectory, users interfaces.UserDirectory) *Hub {
	return &Hub{
		registry: reg,
		articles: articles,
		users:    users,
		tracer:   otel.Tracer("marketchat/internal/hub"),
	}
}

// Start marks the hub ready to accept joins
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	log.Println("Starting room hub...")
	return nil
}

// Stop refuses new joins and closes every live connection with 1001 (going away).
// Sessions observe the close and leave through the normal path.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	conns := h.registry.All()
	log.Printf("Stopping room hub: closing %d connections", len(conns))
	for _, conn := range conns {
		if err := conn.CloseWithReason(websocket.CloseGoingAway, "server shutting down"); err != nil {
			log.Printf("Failed to close connection %s during shutdown: %v", conn.ID(), err)
		}
	}
	return nil
}

// IsRunning reports whether the hub accepts joins
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// ResolveRoom turns an upgrade request into a room for caller
func (h *Hub) ResolveRoom(ctx context.Context, req types.RoomRequest, caller types.Identity) (types.Room, error) {
	hasPeer := req.PeerID != 0 || req.PeerUsername != ""
	switch {
	case req.ArticleID != "" && hasPeer, req.ArticleID == "" && !hasPeer:
		return types.Room{}, ErrInvalidRoomRequest
	case req.ArticleID != "":
		return h.resolveArticle(ctx, req.ArticleID)
	default:
		return h.resolveDirect(ctx, req, caller)
	}
}

func (h *Hub) resolveArticle(ctx context.Context, articleID string) (types.Room, error) {
	if !types.IsValidArticleID(articleID) {
		return types.Room{}, types.ErrInvalidArticleID
	}

	exists, err := h.articles.ArticleExists(ctx, articleID)
	if err != nil {
		return types.Room{}, fmt.Errorf("article lookup failed: %w", err)
	}
	if !exists {
		return types.Room{}, ErrArticleNotFound
	}

	return types.Room{Key: articleID, ArticleID: articleID}, nil
}

// resolveDirect keys the room on both numeric user ids, resolving a peer
// named by username first so both ends derive the same key
func (h *Hub) resolveDirect(ctx context.Context, req types.RoomRequest, caller types.Identity) (types.Room, error) {
	peerID := req.PeerID
	if peerID == 0 {
		if !types.IsValidUsername(req.PeerUsername) {
			return types.Room{}, types.ErrInvalidUsername
		}
		id, err := h.users.UserIDByUsername(ctx, req.PeerUsername)
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return types.Room{}, ErrPeerNotFound
		}
		if err != nil {
			return types.Room{}, fmt.Errorf("peer lookup failed: %w", err)
		}
		peerID = id
	} else {
		if peerID < 0 {
			return types.Room{}, ErrInvalidRoomRequest
		}
		if _, err := h.users.UsernameByID(ctx, peerID); err != nil {
			if errors.Is(err, interfaces.ErrUserNotFound) {
				return types.Room{}, ErrPeerNotFound
			}
			return types.Room{}, fmt.Errorf("peer lookup failed: %w", err)
		}
	}

	if peerID == caller.UserID {
		return types.Room{}, ErrSelfChat
	}

	key, err := types.RoomKeyFor(types.RoomRequest{PeerID: peerID}, caller.UserID)
	if err != nil {
		return types.Room{}, err
	}
	return types.Room{Key: key, Direct: true}, nil
}

// Join registers conn in its room. greeting frames are queued on conn before
// the connection becomes visible to any broadcast; then the other members get
// user_joined.
func (h *Hub) Join(conn interfaces.Connection, greeting ...[]byte) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}

	var greetErr error
	err := h.registry.Add(conn, func() {
		for _, frame := range greeting {
			if err := conn.Send(frame); err != nil {
				greetErr = err
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if greetErr != nil {
		h.registry.Remove(conn)
		return fmt.Errorf("failed to queue greeting: %w", greetErr)
	}

	log.Printf("Connection joined: id=%s user=%d room=%s", conn.ID(), conn.UserID(), conn.RoomKey())

	h.Broadcast(context.Background(), conn.RoomKey(), types.PresenceEvent{
		Type:     types.EventUserJoined,
		Username: conn.Username(),
		UserID:   conn.UserID(),
	}, conn.ID())
	return nil
}

// Leave removes conn from its room and tells the remaining members. Only the
// call that actually removed the connection broadcasts user_left.
func (h *Hub) Leave(conn interfaces.Connection) bool {
	if !h.registry.Remove(conn) {
		return false
	}

	log.Printf("Connection left: id=%s user=%d room=%s", conn.ID(), conn.UserID(), conn.RoomKey())

	h.Broadcast(context.Background(), conn.RoomKey(), types.PresenceEvent{
		Type:     types.EventUserLeft,
		Username: conn.Username(),
		UserID:   conn.UserID(),
	}, "")
	return true
}

// Broadcast serializes event once and queues it on every member of roomKey
// except excludeID. A failed member does not stop the fan-out; it is evicted
// afterwards. Returns the number of members the frame was queued on.
func (h *Hub) Broadcast(ctx context.Context, roomKey string, event any, excludeID string) int {
	_, span := h.tracer.Start(ctx, "hub.Broadcast", trace.WithAttributes(
		attribute.String("room.key", roomKey),
	))
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal broadcast for room %s: %v", roomKey, err)
		span.RecordError(err)
		return 0
	}

	members := h.registry.MembersOf(roomKey)
	delivered := 0
	var failed []interfaces.Connection
	for _, conn := range members {
		if conn.ID() == excludeID {
			continue
		}
		if err := conn.Send(data); err != nil {
			log.Printf("Broadcast to connection %s in room %s failed: %v", conn.ID(), roomKey, err)
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	span.SetAttributes(
		attribute.Int("members", len(members)),
		attribute.Int("delivered", delivered),
		attribute.Int("evicted", len(failed)),
	)

	for _, conn := range failed {
		if h.Leave(conn) {
			if err := conn.CloseWithReason(websocket.CloseTryAgainLater, "send queue overflow"); err != nil {
				log.Printf("Failed to close evicted connection %s: %v", conn.ID(), err)
			}
		}
	}

	return delivered
}

// SendTo queues event on a single connection
func (h *Hub) SendTo(conn interfaces.Connection, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return conn.Send(data)
}

// RoomMembers returns the identities currently present in a room, sorted by username
func (h *Hub) RoomMembers(roomKey string) []types.Identity {
	members := h.registry.MembersOf(roomKey)
	identities := make([]types.Identity, 0, len(members))
	seen := make(map[int64]bool, len(members))
	for _, conn := range members {
		if seen[conn.UserID()] {
			continue
		}
		seen[conn.UserID()] = true
		identities = append(identities, types.Identity{UserID: conn.UserID(), Username: conn.Username()})
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].Username < identities[j].Username
	})
	return identities
}

// GetStats returns live connection and room counts
func (h *Hub) GetStats() map[string]int {
	return h.registry.GetStats()
}
