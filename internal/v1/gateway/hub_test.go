package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-im/concord/internal/v1/auth"
	"github.com/concord-im/concord/internal/v1/bus"
	"github.com/concord-im/concord/internal/v1/config"
	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/ratelimit"
	"github.com/concord-im/concord/internal/v1/store"
	"github.com/concord-im/concord/internal/v1/types"
)

// subscription flushes are batched; settle covers one flush window with slack.
const settle = 250 * time.Millisecond

type testEnv struct {
	hub      *Hub
	srv      *httptest.Server
	presence *fakePresence
	chat     *fakeChat
	pub      *bus.Publisher
	st       *store.Store
}

func newTestEnv(t *testing.T, messageRate string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl, err := ratelimit.New(&config.RateLimitConfig{
		APIGlobal:  "1000-S",
		APIPublic:  "1000-S",
		APIRooms:   "1000-S",
		WsIP:       "1000-S",
		WsUser:     "1000-S",
		WsMessages: messageRate,
		WsFrames:   "1000-S",
		ProxyIP:    "1000-S",
	}, nil)
	require.NoError(t, err)

	env := &testEnv{
		presence: &fakePresence{},
		chat:     &fakeChat{},
		pub:      bus.NewPublisherFromClient(client),
		st:       store.NewFromClient(client),
	}
	env.hub = NewHub(&auth.MockValidator{}, env.presence, env.chat, env.pub, env.st, rl, client, []string{"*"})

	ctx, cancel := context.WithCancel(context.Background())
	env.hub.Start(ctx)

	r := gin.New()
	r.GET("/ws", env.hub.ServeWs)
	env.srv = httptest.NewServer(r)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = env.hub.Shutdown(shutdownCtx)
		cancel()
		env.srv.Close()
	})
	return env
}

func (e *testEnv) dial(t *testing.T, token, guilds string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + url.QueryEscape(token)
	if guilds != "" {
		wsURL += "&guilds=" + url.QueryEscape(guilds)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readFrameOfType reads frames until one matches frameType, failing the test
// on timeout. Other frame kinds interleave freely and are skipped.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q frame", frameType)

		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == frameType {
			return frame
		}
	}
}

func TestConnect_ReceivesReady(t *testing.T) {
	env := newTestEnv(t, "100-M")
	conn := env.dial(t, "u1:Alice", "g1,g2")

	ready := readFrameOfType(t, conn, FrameReady)
	assert.Equal(t, "u1", ready["user_id"])
	assert.Equal(t, "Alice", ready["display_name"])
	assert.NotEmpty(t, ready["session_id"])
	assert.Equal(t, float64(1), ready["sessions"])
	assert.ElementsMatch(t, []any{"g1", "g2"}, ready["guilds"])

	env.presence.mu.Lock()
	require.Len(t, env.presence.connects, 1)
	assert.Equal(t, types.UserID("u1"), env.presence.connects[0].UserID)
	env.presence.mu.Unlock()
}

func TestConnect_MissingToken(t *testing.T) {
	env := newTestEnv(t, "100-M")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type failValidator struct{}

func (failValidator) ValidateToken(string) (*auth.Claims, error) {
	return nil, errs.Auth("invalid_token", "token signature verification failed")
}

func TestConnect_InvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl, err := ratelimit.New(&config.RateLimitConfig{
		APIGlobal: "1000-S", APIPublic: "1000-S", APIRooms: "1000-S",
		WsIP: "1000-S", WsUser: "1000-S", WsMessages: "1000-S",
		WsFrames: "1000-S", ProxyIP: "1000-S",
	}, nil)
	require.NoError(t, err)

	hub := NewHub(failValidator{}, &fakePresence{}, nil, nil,
		store.NewFromClient(client), rl, nil, []string{"*"})
	r := gin.New()
	r.GET("/ws", hub.ServeWs)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=whatever"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t, "100-M")
	conn := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, conn, FrameReady)

	sendFrame(t, conn, Frame{Type: FramePing, Nonce: "n1"})
	pong := readFrameOfType(t, conn, FramePong)
	assert.Equal(t, "n1", pong["nonce"])
}

func TestJoinChannel_BroadcastsUserJoined(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)
	sendFrame(t, alice, Frame{Type: FrameJoinChannel, ChannelID: "c1"})
	time.Sleep(settle)

	bob := env.dial(t, "u2:Bob", "")
	readFrameOfType(t, bob, FrameReady)
	sendFrame(t, bob, Frame{Type: FrameJoinChannel, ChannelID: "c1"})

	joined := readFrameOfType(t, alice, FrameUserJoin)
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(toJSON(t, joined["data"])), &data))
	assert.Equal(t, "u2", data["user_id"])
	assert.Equal(t, "Bob", data["display_name"])
	assert.Equal(t, "c1", data["channel_id"])
}

func TestLeaveChannel_StopsDelivery(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)
	sendFrame(t, alice, Frame{Type: FrameJoinChannel, ChannelID: "c1"})
	time.Sleep(settle)

	sendFrame(t, alice, Frame{Type: FrameLeaveChannel, ChannelID: "c1"})
	time.Sleep(settle)

	require.NoError(t, env.pub.Publish(context.Background(),
		types.ChannelTopic("c1"), "message_created",
		map[string]any{"id": "m9", "content": "hi"}, "u2"))

	// The only frames alice may still see are her own leave broadcast.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	for {
		_, data, err := alice.ReadMessage()
		if err != nil {
			break
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.NotEqual(t, "message_created", frame["type"])
	}
}

func TestSendMessage_ForwardsToChatAndCachesEcho(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)
	sendFrame(t, alice, Frame{Type: FrameJoinChannel, ChannelID: "c1"})
	time.Sleep(settle)

	sendFrame(t, alice, Frame{Type: FrameSendMessage, ChannelID: "c1", Content: "hello", Nonce: "n42"})

	require.Eventually(t, func() bool {
		return len(env.chat.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	msg := env.chat.messages()[0]
	assert.Equal(t, types.ChannelID("c1"), msg.ChannelID)
	assert.Equal(t, types.UserID("u1"), msg.UserID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "n42", msg.Nonce)

	// The collaborator persists and publishes the created message; the
	// gateway fans it out and caches it for reconnect backfill.
	require.NoError(t, env.pub.Publish(context.Background(),
		types.ChannelTopic("c1"), "message_created",
		map[string]any{"id": "m1", "content": "hello", "nonce": "n42"}, "u1"))

	created := readFrameOfType(t, alice, "message_created")
	assert.NotEmpty(t, created["event_id"])
	assert.Equal(t, "n42", created["data"].(map[string]any)["nonce"])

	require.Eventually(t, func() bool {
		var cached map[string]any
		found, err := env.st.GetJSON(context.Background(), store.MessageKey("m1"), &cached)
		return err == nil && found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessageNonceEchoOnlyToSender(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)
	bob := env.dial(t, "u2:Bob", "")
	readFrameOfType(t, bob, FrameReady)

	sendFrame(t, alice, Frame{Type: FrameJoinChannel, ChannelID: "c1"})
	sendFrame(t, bob, Frame{Type: FrameJoinChannel, ChannelID: "c1"})
	time.Sleep(settle)

	require.NoError(t, env.pub.Publish(context.Background(),
		types.ChannelTopic("c1"), "message_created",
		map[string]any{"id": "m9", "content": "hi", "nonce": "n42"}, "u1"))

	created := readFrameOfType(t, alice, "message_created")
	assert.Equal(t, "n42", created["data"].(map[string]any)["nonce"])

	created = readFrameOfType(t, bob, "message_created")
	assert.NotContains(t, created["data"].(map[string]any), "nonce")
	assert.Equal(t, "hi", created["data"].(map[string]any)["content"])
}

func TestSendMessage_RateLimited(t *testing.T) {
	env := newTestEnv(t, "1-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)

	sendFrame(t, alice, Frame{Type: FrameSendMessage, ChannelID: "c1", Content: "one", Nonce: "a"})
	sendFrame(t, alice, Frame{Type: FrameSendMessage, ChannelID: "c1", Content: "two", Nonce: "b"})

	errFrame := readFrameOfType(t, alice, FrameError)
	assert.Equal(t, "rate_limited", errFrame["code"])
	assert.Equal(t, "b", errFrame["nonce"])

	require.Eventually(t, func() bool {
		return len(env.chat.messages()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSendMessage_MissingFields(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)

	sendFrame(t, alice, Frame{Type: FrameSendMessage, Nonce: "x"})
	errFrame := readFrameOfType(t, alice, FrameError)
	assert.Equal(t, "missing_fields", errFrame["code"])
	assert.Equal(t, "x", errFrame["nonce"])
}

func TestTyping_SetsMarkerAndBroadcasts(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)
	bob := env.dial(t, "u2:Bob", "")
	readFrameOfType(t, bob, FrameReady)
	sendFrame(t, bob, Frame{Type: FrameJoinChannel, ChannelID: "c1"})
	time.Sleep(settle)

	sendFrame(t, alice, Frame{Type: FrameTypingStart, ChannelID: "c1"})

	typing := readFrameOfType(t, bob, FrameTyping)
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(toJSON(t, typing["data"])), &data))
	assert.Equal(t, "u1", data["user_id"])
	assert.Equal(t, true, data["typing"])

	var marker typingMarker
	found, err := env.st.GetJSON(context.Background(), store.TypingKey("c1", "u1"), &marker)
	require.NoError(t, err)
	assert.True(t, found)

	sendFrame(t, alice, Frame{Type: FrameTypingStop, ChannelID: "c1"})
	stopped := readFrameOfType(t, bob, FrameTyping)
	require.NoError(t, json.Unmarshal([]byte(toJSON(t, stopped["data"])), &data))
	assert.Equal(t, false, data["typing"])

	require.Eventually(t, func() bool {
		found, err := env.st.GetJSON(context.Background(), store.TypingKey("c1", "u1"), &marker)
		return err == nil && !found
	}, time.Second, 10*time.Millisecond)
}

func TestPresenceUpdateFrame(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)

	sendFrame(t, alice, Frame{Type: FramePresenceUpdate, Status: "idle", Activity: "afk"})

	require.Eventually(t, func() bool {
		env.presence.mu.Lock()
		defer env.presence.mu.Unlock()
		return len(env.presence.statuses) == 1
	}, time.Second, 10*time.Millisecond)

	env.presence.mu.Lock()
	assert.Equal(t, statusRecord{UserID: "u1", Status: "idle", Activity: "afk"}, env.presence.statuses[0])
	env.presence.mu.Unlock()
}

func TestUnknownFrame(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)

	sendFrame(t, alice, Frame{Type: "teleport"})
	errFrame := readFrameOfType(t, alice, FrameError)
	assert.Equal(t, "unknown_frame", errFrame["code"])
}

func TestGuildTopicDeliveredOnConnect(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "g1")
	readFrameOfType(t, alice, FrameReady)
	time.Sleep(settle)

	require.NoError(t, env.pub.Publish(context.Background(),
		types.GuildTopic("g1"), "presence_update",
		map[string]any{"user_id": "u3", "status": "online"}, "u3"))

	frame := readFrameOfType(t, alice, "presence_update")
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(toJSON(t, frame["data"])), &data))
	assert.Equal(t, "u3", data["user_id"])
}

func TestDisconnect_InformsPresence(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)
	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool {
		return env.presence.disconnectCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.presence.mu.Lock()
	assert.Equal(t, disconnectRecord{UserID: "u1", Remaining: 0}, env.presence.disconnects[0])
	env.presence.mu.Unlock()

	require.Eventually(t, func() bool {
		return env.hub.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSecondSessionKeepsUserConnected(t *testing.T) {
	env := newTestEnv(t, "100-M")

	first := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, first, FrameReady)
	second := env.dial(t, "u1:Alice", "")
	ready := readFrameOfType(t, second, FrameReady)
	assert.Equal(t, float64(2), ready["sessions"])

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return env.presence.disconnectCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.presence.mu.Lock()
	assert.Equal(t, 1, env.presence.disconnects[0].Remaining)
	env.presence.mu.Unlock()
}

func TestShutdown_ClosesSessions(t *testing.T) {
	env := newTestEnv(t, "100-M")

	alice := env.dial(t, "u1:Alice", "")
	readFrameOfType(t, alice, FrameReady)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.hub.Shutdown(ctx))
	assert.Equal(t, 0, env.hub.SessionCount())

	// The server initiated a clean close.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		_, _, err := alice.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure) ||
				strings.Contains(err.Error(), "close"), "got %v", err)
			break
		}
	}
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
