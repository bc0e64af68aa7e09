package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketchat/pkg/interfaces"
	"marketchat/pkg/types"
)

type mockStore struct {
	history       map[string][]types.ChatMessage
	conversations map[int64][]types.Conversation
	healthErr     error
	lastLimit     int
}

func (m *mockStore) SaveMessage(ctx context.Context, message *types.ChatMessage) (int64, error) {
	return 0, errors.New("not used")
}

func (m *mockStore) History(ctx context.Context, articleID string, limit int) ([]types.ChatMessage, error) {
	m.lastLimit = limit
	return m.history[articleID], nil
}

func (m *mockStore) Conversations(ctx context.Context, userID int64) ([]types.Conversation, error) {
	return m.conversations[userID], nil
}

func (m *mockStore) HealthCheck(ctx context.Context) error { return m.healthErr }
func (m *mockStore) Close() error                          { return nil }

type mockArticles map[string]bool

func (m mockArticles) ArticleExists(ctx context.Context, articleID string) (bool, error) {
	return m[articleID], nil
}

type mockValidator struct{}

func (mockValidator) ValidateSession(ctx context.Context, token string) (types.Identity, error) {
	if token == "token-a" {
		return types.Identity{UserID: 1, Username: "alice"}, nil
	}
	return types.Identity{}, interfaces.ErrUnauthorized
}

type mockRooms struct {
	members map[string][]types.Identity
}

func (m *mockRooms) RoomMembers(roomKey string) []types.Identity { return m.members[roomKey] }
func (m *mockRooms) GetStats() map[string]int {
	return map[string]int{"total_connections": 2, "active_rooms": 1}
}

func newTestServer(store *mockStore) *Server {
	rooms := &mockRooms{members: map[string][]types.Identity{
		"42": {{UserID: 1, Username: "alice"}, {UserID: 2, Username: "bob"}},
	}}
	return NewServer(store, mockArticles{"42": true, "7": true}, mockValidator{}, rooms,
		Config{CookieName: "session", HistoryLimit: 50})
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestServer_ArticleMessages(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := &mockStore{history: map[string][]types.ChatMessage{
		"42": {
			{ID: 1, ArticleID: "42", UserID: 1, Username: "alice", Message: "first", Timestamp: ts},
			{ID: 2, ArticleID: "42", UserID: 2, Username: "bob", Message: "second", Timestamp: ts},
		},
	}}
	server := newTestServer(store)

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/articles/42/messages", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}

	var resp HistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].Message != "first" {
		t.Errorf("Unexpected history: %+v", resp.Messages)
	}
	if store.lastLimit != 50 {
		t.Errorf("Expected default limit 50, got %d", store.lastLimit)
	}
}

func TestServer_ArticleMessagesEmptyIsArray(t *testing.T) {
	server := newTestServer(&mockStore{})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/articles/7/messages", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if body := w.Body.String(); body != "{\"articleId\":\"7\",\"messages\":[]}\n" {
		t.Errorf("Unexpected body: %s", body)
	}
}

func TestServer_ArticleMessagesLimit(t *testing.T) {
	store := &mockStore{}
	server := newTestServer(store)

	serve(server, httptest.NewRequest(http.MethodGet, "/api/articles/42/messages?limit=10", nil))
	if store.lastLimit != 10 {
		t.Errorf("Expected limit 10, got %d", store.lastLimit)
	}

	serve(server, httptest.NewRequest(http.MethodGet, "/api/articles/42/messages?limit=5000", nil))
	if store.lastLimit != maxHistoryLimit {
		t.Errorf("Expected limit clamped to %d, got %d", maxHistoryLimit, store.lastLimit)
	}
}

func TestServer_ArticleMessagesRejections(t *testing.T) {
	server := newTestServer(&mockStore{})

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"unknown article", "/api/articles/999/messages", http.StatusNotFound},
		{"invalid article id", "/api/articles/bad%20id/messages", http.StatusBadRequest},
		{"zero limit", "/api/articles/42/messages?limit=0", http.StatusBadRequest},
		{"non-numeric limit", "/api/articles/42/messages?limit=ten", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(server, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if w.Code != tt.want {
				t.Fatalf("Expected status %d, got %d", tt.want, w.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Expected JSON error response: %v", err)
			}
			if resp.Code != tt.want || resp.Error != http.StatusText(tt.want) {
				t.Errorf("Unexpected error body: %+v", resp)
			}
		})
	}
}

func TestServer_Conversations(t *testing.T) {
	store := &mockStore{conversations: map[int64][]types.Conversation{
		1: {{ArticleID: "42", MessageCount: 3, LastMessage: types.ChatMessage{ID: 9, Message: "latest"}}},
	}}
	server := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer token-a")
	w := serve(server, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp ConversationsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].LastMessage.Message != "latest" {
		t.Errorf("Unexpected conversations: %+v", resp.Conversations)
	}
}

func TestServer_ConversationsRequiresSession(t *testing.T) {
	server := newTestServer(&mockStore{})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d without token, got %d", http.StatusUnauthorized, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversations?token=forged", nil)
	w = serve(server, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d for invalid token, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestServer_RoomInfo(t *testing.T) {
	server := newTestServer(&mockStore{})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/rooms/42", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp RoomResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.MemberCount != 2 || resp.Members[1].Username != "bob" {
		t.Errorf("Unexpected room info: %+v", resp)
	}

	w = serve(server, httptest.NewRequest(http.MethodGet, "/api/rooms/direct_1_2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	resp = RoomResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.MemberCount != 0 || resp.Members == nil {
		t.Errorf("Inactive room should report zero members as an empty list: %+v", resp)
	}

	for _, key := range []string{"direct_2_1", "direct_x", "bad%20key"} {
		w = serve(server, httptest.NewRequest(http.MethodGet, "/api/rooms/"+key, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Room %q: expected status %d, got %d", key, http.StatusBadRequest, w.Code)
		}
	}
}

func TestServer_HealthCheck(t *testing.T) {
	server := newTestServer(&mockStore{})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "healthy" || resp.Database != "healthy" {
		t.Errorf("Expected healthy status, got %+v", resp)
	}
	if resp.Connections["total_connections"] != 2 {
		t.Errorf("Expected connection stats, got %v", resp.Connections)
	}
	if _, ok := resp.System["goroutines"]; !ok {
		t.Error("Expected goroutine count in system info")
	}
}

func TestServer_HealthCheckUnhealthy(t *testing.T) {
	server := newTestServer(&mockStore{healthErr: interfaces.ErrStorageUnavailable})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("Expected unhealthy status, got %s", resp.Status)
	}
}

func TestServer_CORSMiddleware(t *testing.T) {
	server := newTestServer(&mockStore{})

	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	w := serve(server, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected preflight status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected CORS headers to be set")
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	server := newTestServer(&mockStore{})

	w := serve(server, httptest.NewRequest(http.MethodPost, "/api/conversations", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}
