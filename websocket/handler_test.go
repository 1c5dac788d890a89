package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CUknot/collab_backend/middleware"
	"github.com/CUknot/collab_backend/utils"
)

const testSecret = "ws-test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *Gateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g, _ := newTestGateway(t, nil)
	router := gin.New()
	router.GET("/ws", middleware.JWTAuth(testSecret), g.HandleConnection)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		g.Hub().Shutdown()
		srv.Close()
	})
	return srv, g
}

func dial(t *testing.T, srv *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	token, err := utils.GenerateToken(testSecret, name, "", time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": eventType, "payload": payload}))
}

func readEvent(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg inbound
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips frames until one of eventType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) json.RawMessage {
	t.Helper()
	for {
		msg := readEvent(t, conn)
		if msg.Type == eventType {
			return msg.Payload
		}
	}
}

func waitForConnections(t *testing.T, g *Gateway, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return g.Hub().Registry().Len() == n
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHandleConnection_RequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleConnection_DocumentSession(t *testing.T) {
	srv, g := newTestServer(t)

	alice := dial(t, srv, "alice")
	waitForConnections(t, g, 1)
	writeEvent(t, alice, EventJoinDocument, map[string]string{"documentId": "doc1", "displayName": "alice"})
	assert.Equal(t, []string{"alice"}, userList(t, readUntil(t, alice, EventUserList)))

	bob := dial(t, srv, "bob")
	waitForConnections(t, g, 2)
	writeEvent(t, bob, EventJoinDocument, map[string]string{"documentId": "doc1", "displayName": "bob"})
	assert.ElementsMatch(t, []string{"alice", "bob"}, userList(t, readUntil(t, alice, EventUserList)))
	assert.ElementsMatch(t, []string{"alice", "bob"}, userList(t, readUntil(t, bob, EventUserList)))

	writeEvent(t, alice, EventSendChanges, map[string]any{"documentId": "doc1", "delta": map[string]string{"insert": "hi"}})
	msg := readEvent(t, bob)
	assert.Equal(t, EventReceiveChanges, msg.Type)
	assert.JSONEq(t, `{"insert":"hi"}`, string(msg.Payload))

	require.NoError(t, bob.Close())

	// Deltas and presence share the edit room, so a delta echoed back to
	// alice would arrive before this presence update.
	msg = readEvent(t, alice)
	assert.Equal(t, EventUserList, msg.Type)
	assert.Equal(t, []string{"alice"}, userList(t, msg.Payload))
	waitForConnections(t, g, 1)
}

func TestHandleConnection_PrivateChat(t *testing.T) {
	srv, g := newTestServer(t)

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitForConnections(t, g, 2)

	writeEvent(t, alice, EventJoinPrivateChat, map[string]string{"fromUser": "alice", "toUser": "bob"})
	writeEvent(t, bob, EventJoinPrivateChat, map[string]string{"fromUser": "bob", "toUser": "alice"})
	require.Eventually(t, func() bool {
		return len(g.Hub().Members(PrivateRoom("alice", "bob"))) == 2
	}, 3*time.Second, 10*time.Millisecond)

	writeEvent(t, alice, EventPrivateMessage, map[string]string{"fromUser": "alice", "toUser": "bob", "text": "hello", "displayTime": "now"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		var p ChatPayload
		require.NoError(t, json.Unmarshal(readUntil(t, conn, EventPrivateMessage), &p))
		assert.Equal(t, "alice", p.FromUser)
		assert.Equal(t, "hello", p.Text)
	}
}

func TestHandleConnection_ShutdownClosesConnections(t *testing.T) {
	srv, g := newTestServer(t)

	alice := dial(t, srv, "alice")
	waitForConnections(t, g, 1)

	g.Hub().Shutdown()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	waitForConnections(t, g, 0)
}
