package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"marketchat/internal/session"
	"marketchat/pkg/interfaces"
	"marketchat/pkg/types"
)

const maxHistoryLimit = 200

// RoomStats is the live room view exposed by the hub
type RoomStats interface {
	RoomMembers(roomKey string) []types.Identity
	GetStats() map[string]int
}

// Config holds request defaults for the HTTP API
type Config struct {
	CookieName   string
	HistoryLimit int
}

// Server serves the read-only chat API next to the WebSocket endpoint.
// It holds no chat logic of its own; everything is read from the store or the hub.
type Server struct {
	store    interfaces.MessageStore
	articles interfaces.ArticleDirectory
	sessions interfaces.SessionValidator
	rooms    RoomStats
	config   Config
	started  time.Time
	router   *http.ServeMux
	handler  http.Handler
}

func NewServer(store interfaces.MessageStore, articles interfaces.ArticleDirectory, sessions interfaces.SessionValidator, rooms RoomStats, config Config) *Server {
	if config.HistoryLimit <= 0 || config.HistoryLimit > maxHistoryLimit {
		config.HistoryLimit = 50
	}

	s := &Server{
		store:    store,
		articles: articles,
		sessions: sessions,
		rooms:    rooms,
		config:   config,
		started:  time.Now(),
		router:   http.NewServeMux(),
	}

	s.setupRoutes()
	s.handler = s.corsMiddleware(s.jsonMiddleware(s.router))
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /api/articles/{id}/messages", s.articleMessages)
	s.router.HandleFunc("GET /api/conversations", s.conversations)
	s.router.HandleFunc("GET /api/rooms/{key}", s.roomInfo)
	s.router.HandleFunc("GET /health", s.healthCheck)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type HistoryResponse struct {
	ArticleID string              `json:"articleId"`
	Messages  []types.ChatMessage `json:"messages"`
}

type ConversationsResponse struct {
	Conversations []types.Conversation `json:"conversations"`
}

type RoomResponse struct {
	RoomKey     string           `json:"roomKey"`
	MemberCount int              `json:"memberCount"`
	Members     []types.Identity `json:"members"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/articles/{id}/messages?limit=N returns persisted history oldest first
func (s *Server) articleMessages(w http.ResponseWriter, r *http.Request) {
	articleID := r.PathValue("id")
	if !types.IsValidArticleID(articleID) {
		s.sendError(w, "Invalid article ID", http.StatusBadRequest)
		return
	}

	limit := s.config.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	exists, err := s.articles.ArticleExists(r.Context(), articleID)
	if err != nil {
		log.Printf("Article lookup failed for %s: %v", articleID, err)
		s.sendError(w, "Failed to look up article", http.StatusInternalServerError)
		return
	}
	if !exists {
		s.sendError(w, "Article not found", http.StatusNotFound)
		return
	}

	messages, err := s.store.History(r.Context(), articleID, limit)
	if err != nil {
		log.Printf("History query failed for article %s: %v", articleID, err)
		s.sendError(w, "Failed to load history", http.StatusServiceUnavailable)
		return
	}
	if messages == nil {
		messages = []types.ChatMessage{}
	}

	s.sendJSON(w, http.StatusOK, HistoryResponse{ArticleID: articleID, Messages: messages})
}

// GET /api/conversations lists the caller's article conversations, most recent first
func (s *Server) conversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	conversations, err := s.store.Conversations(r.Context(), identity.UserID)
	if err != nil {
		log.Printf("Conversations query failed for user %d: %v", identity.UserID, err)
		s.sendError(w, "Failed to load conversations", http.StatusServiceUnavailable)
		return
	}
	if conversations == nil {
		conversations = []types.Conversation{}
	}

	s.sendJSON(w, http.StatusOK, ConversationsResponse{Conversations: conversations})
}

// GET /api/rooms/{key} reports who is connected to a room right now
func (s *Server) roomInfo(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !validRoomKey(key) {
		s.sendError(w, "Invalid room key", http.StatusBadRequest)
		return
	}

	members := s.rooms.RoomMembers(key)
	if members == nil {
		members = []types.Identity{}
	}

	s.sendJSON(w, http.StatusOK, RoomResponse{
		RoomKey:     key,
		MemberCount: len(members),
		Members:     members,
	})
}

func validRoomKey(key string) bool {
	if types.IsDirectRoomKey(key) {
		_, _, err := types.ParseDirectRoomKey(key)
		return err == nil
	}
	return types.IsValidArticleID(key)
}

// GET /health checks the database and reports live connection counts
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: s.rooms.GetStats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

// authenticate resolves the caller or writes a 401
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (types.Identity, bool) {
	token := session.TokenFromRequest(r, s.config.CookieName)
	if token == "" {
		s.sendError(w, "Missing session token", http.StatusUnauthorized)
		return types.Identity{}, false
	}

	identity, err := s.sessions.ValidateSession(r.Context(), token)
	if err != nil {
		if !errors.Is(err, session.ErrExpiredToken) {
			log.Printf("API session validation failed: %v", err)
		}
		s.sendError(w, "Invalid session", http.StatusUnauthorized)
		return types.Identity{}, false
	}
	return identity, true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// sendError writes the common error body
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
