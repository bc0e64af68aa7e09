package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"marketchat/internal/api"
	"marketchat/internal/database"
	"marketchat/internal/hub"
	"marketchat/internal/registry"
	"marketchat/internal/session"
	chatws "marketchat/internal/websocket"
	pkgdatabase "marketchat/pkg/database"
	"marketchat/pkg/types"
)

// harness runs the full server stack over a temp sqlite database
type harness struct {
	t         *testing.T
	db        *database.Manager
	hub       *hub.Hub
	validator *session.Validator
	server    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = filepath.Join(t.TempDir(), "chat.db")
	db, err := database.NewManager(dbConfig, database.WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, pkgdatabase.NewMigrationManager(db.GetDB()).ApplyMigrations())

	validator, err := session.NewValidator(session.Config{
		Secret: []byte("integration-secret"),
		Issuer: "marketplace",
	}, db)
	require.NoError(t, err)

	messageHub := hub.NewHub(registry.NewRegistry(), db, db)
	require.NoError(t, messageHub.Start(context.Background()))

	wsConfig := chatws.DefaultConfig()
	handler := chatws.NewHandler(messageHub, validator, db, wsConfig)
	apiServer := api.NewServer(db, db, validator, messageHub, api.Config{CookieName: wsConfig.CookieName})

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", handler.HandleWebSocket)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		_ = messageHub.Stop()
		_ = db.Close()
	})

	return &harness{t: t, db: db, hub: messageHub, validator: validator, server: server}
}

// user registers a user and returns a session token for it
func (h *harness) user(id int64, username string) string {
	h.t.Helper()
	require.NoError(h.t, h.db.UpsertUser(context.Background(), id, username))
	token, err := h.validator.IssueToken(types.Identity{UserID: id, Username: username})
	require.NoError(h.t, err)
	return token
}

func (h *harness) article(id string, owner int64) {
	h.t.Helper()
	require.NoError(h.t, h.db.UpsertArticle(context.Background(), id, owner, "listing "+id))
}

func (h *harness) wsURL(query url.Values) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?" + query.Encode()
}

func (h *harness) dial(token string, query url.Values) *websocket.Conn {
	h.t.Helper()
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(query), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) getJSON(path, token string, into any) int {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func q(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v
}

func readEvent(t *testing.T, conn *websocket.Conn) types.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event types.ServerEvent
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}
