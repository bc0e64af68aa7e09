package websocket

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/pkg/interfaces"
	"marketchat/pkg/types"
)

// joinArticle dials into article room 42 and consumes the greeting
func joinArticle(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	conn := env.dial(t, q("token", token, "article_id", "42"))
	assert.Equal(t, types.EventConnected, readEvent(t, conn).Type)
	assert.Equal(t, types.EventHistory, readEvent(t, conn).Type)
	return conn
}

func TestSession_ArticleGreetingWithEmptyHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, q("token", "token-a", "article_id", "42"))

	_, connected := readRaw(t, conn)
	assert.JSONEq(t, `{"type":"connected","roomKey":"42","isDirectChat":false}`, string(connected))

	_, history := readRaw(t, conn)
	assert.Equal(t, `{"type":"history","messages":[]}`, string(history))
}

func TestSession_HistoryDeliveredOldestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.setHistory([]types.ChatMessage{
		{ID: 1, ArticleID: "42", UserID: 2, Username: "B", Message: "first"},
		{ID: 2, ArticleID: "42", UserID: 1, Username: "A", Message: "second"},
	}, nil)

	conn := env.dial(t, q("token", "token-a", "article_id", "42"))
	readEvent(t, conn)
	history := readEvent(t, conn)

	require.Equal(t, types.EventHistory, history.Type)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "first", history.Messages[0].Message)
	assert.Equal(t, "second", history.Messages[1].Message)
}

func TestSession_HistoryUnavailableKeepsSessionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.setHistory(nil, interfaces.ErrStorageUnavailable)

	conn := env.dial(t, q("token", "token-a", "article_id", "42"))
	assert.Equal(t, types.EventConnected, readEvent(t, conn).Type)

	ev := readEvent(t, conn)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Equal(t, "history unavailable", ev.Message)

	send(t, conn, `{"type":"join"}`)
	assert.Equal(t, types.EventJoined, readEvent(t, conn).Type)
}

func TestSession_DirectChatRelaysWithoutPersistence(t *testing.T) {
	env := newTestEnv(t, nil)

	a := env.dial(t, q("token", "token-a", "peer_id", "2"))
	ca := readEvent(t, a)
	assert.Equal(t, types.EventConnected, ca.Type)
	assert.Equal(t, "direct_1_2", ca.RoomKey)
	assert.True(t, ca.IsDirectChat)

	// B names the peer by username and still lands in the same room
	b := env.dial(t, q("token", "token-b", "peer", "A"))
	cb := readEvent(t, b)
	assert.Equal(t, "direct_1_2", cb.RoomKey)
	assert.True(t, cb.IsDirectChat)

	joined := readEvent(t, a)
	assert.Equal(t, types.EventUserJoined, joined.Type)
	assert.Equal(t, "B", joined.Username)
	assert.Equal(t, int64(2), joined.UserID)

	send(t, a, `{"type":"message","message":"hi"}`)

	_, raw := readRaw(t, b)
	assert.NotContains(t, string(raw), "articleId")
	assert.NotContains(t, string(raw), `"id"`)
	msg := decode(t, raw)
	assert.Equal(t, types.EventMessage, msg.Type)
	assert.Equal(t, int64(1), msg.UserID)
	assert.Equal(t, "A", msg.Username)
	assert.Equal(t, "hi", msg.Message)
	assert.False(t, msg.Timestamp.IsZero())

	// sender gets its own message too
	assert.Equal(t, "hi", readEvent(t, a).Message)
	assert.Equal(t, 0, env.store.savedCount())
}

func TestSession_ArticleMessagePersistedThenBroadcastToAll(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")
	b := joinArticle(t, env, "token-b")
	assert.Equal(t, types.EventUserJoined, readEvent(t, a).Type)

	send(t, a, `{"type":"message","message":"  is it still available?  "}`)

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, types.EventMessage, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		assert.Equal(t, "42", ev.ArticleID)
		assert.Equal(t, "is it still available?", ev.Message)
	}
	assert.Equal(t, 1, env.store.savedCount())
}

func TestSession_PersistenceFailureReachesSenderOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")
	b := joinArticle(t, env, "token-b")
	assert.Equal(t, types.EventUserJoined, readEvent(t, a).Type)

	env.store.failSaves(interfaces.ErrStorageUnavailable)
	send(t, a, `{"type":"message","message":"hello"}`)

	ev := readEvent(t, a)
	assert.Equal(t, types.EventError, ev.Type)
	assert.NotEmpty(t, ev.Message)
	expectSilence(t, b)
}

func TestSession_TypingExcludesSender(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")
	b := joinArticle(t, env, "token-b")
	assert.Equal(t, types.EventUserJoined, readEvent(t, a).Type)

	send(t, a, `{"type":"typing"}`)
	send(t, a, `{"type":"stop_typing"}`)

	typing := readEvent(t, b)
	assert.Equal(t, types.EventTyping, typing.Type)
	assert.Equal(t, int64(1), typing.UserID)
	assert.Equal(t, "A", typing.Username)
	assert.Equal(t, types.EventStopTyping, readEvent(t, b).Type)

	// a's queue holds nothing before its own join reply
	send(t, a, `{"type":"join"}`)
	assert.Equal(t, types.EventJoined, readEvent(t, a).Type)
}

func TestSession_JoinReply(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")

	send(t, a, `{"type":"join"}`)
	ev := readEvent(t, a)
	assert.Equal(t, types.EventJoined, ev.Type)
	assert.Equal(t, "42", ev.RoomKey)
	assert.False(t, ev.IsDirectChat)
}

func TestSession_UnknownEventKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")

	send(t, a, `{"type":"dance"}`)
	ev := readEvent(t, a)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Contains(t, ev.Message, "dance")

	send(t, a, `{"type":"join"}`)
	assert.Equal(t, types.EventJoined, readEvent(t, a).Type)
}

func TestSession_BlankMessageDroppedSilently(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")

	send(t, a, `{"type":"message","message":"   "}`)
	send(t, a, `{"type":"join"}`)

	assert.Equal(t, types.EventJoined, readEvent(t, a).Type)
	assert.Equal(t, 0, env.store.savedCount())
}

func TestSession_OverlongMessageRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")

	send(t, a, `{"type":"message","message":"`+strings.Repeat("x", types.MaxMessageRunes+1)+`"}`)

	assert.Equal(t, types.EventError, readEvent(t, a).Type)
	assert.Equal(t, 0, env.store.savedCount())
}

func TestSession_MalformedFramesCloseAfterBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")

	for i := 0; i < maxDecodeErrors; i++ {
		send(t, a, `not json`)
	}
	for i := 0; i < maxDecodeErrors-1; i++ {
		ev := readEvent(t, a)
		assert.Equal(t, types.EventError, ev.Type)
		assert.Equal(t, "invalid JSON", ev.Message)
	}

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "expected 1003, got %v", err)
}

func TestSession_ValidFrameResetsDecodeBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")

	for round := 0; round < 2; round++ {
		for i := 0; i < maxDecodeErrors-1; i++ {
			send(t, a, `{`)
			assert.Equal(t, types.EventError, readEvent(t, a).Type)
		}
		send(t, a, `{"type":"join"}`)
		assert.Equal(t, types.EventJoined, readEvent(t, a).Type)
	}
}

func TestSession_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	a := joinArticle(t, env, "token-a")

	send(t, a, `{"type":"join"}`)
	assert.Equal(t, types.EventJoined, readEvent(t, a).Type)

	send(t, a, `{"type":"join"}`)
	ev := readEvent(t, a)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Equal(t, "rate limit exceeded", ev.Message)
}

func TestSession_LeaveAnnouncedToRemainingMembers(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")
	b := joinArticle(t, env, "token-b")
	assert.Equal(t, types.EventUserJoined, readEvent(t, a).Type)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	left := readEvent(t, a)
	assert.Equal(t, types.EventUserLeft, left.Type)
	assert.Equal(t, "B", left.Username)
	assert.Equal(t, int64(2), left.UserID)

	assert.Eventually(t, func() bool {
		return len(env.hub.RoomMembers("42")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_HubStopClosesGoingAway(t *testing.T) {
	env := newTestEnv(t, nil)
	a := joinArticle(t, env, "token-a")

	require.NoError(t, env.hub.Stop())

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected 1001, got %v", err)
}

func TestSession_Heartbeat(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.PingInterval = 20 * time.Millisecond })
	a := joinArticle(t, env, "token-a")

	pinged := make(chan struct{}, 1)
	a.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := a.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a ping from the server")
	}
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "opening", stateOpening.String())
	assert.Equal(t, "joined", stateJoined.String())
	assert.Equal(t, "closed", stateClosed.String())
}

func decode(t *testing.T, raw []byte) types.ServerEvent {
	t.Helper()
	var ev types.ServerEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}
