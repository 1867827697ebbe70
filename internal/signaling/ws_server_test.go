package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestRelay(t *testing.T) string {
	t.Helper()

	reg := NewRegistry(testLogger())
	coord := NewCoordinator(reg, nil, testLogger())
	srv := NewWebSocketServer(ServerConfig{
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 1000,
	}, coord, nil, testLogger())

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialRelay(t *testing.T, wsURL, name string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?name="+name, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

// waitForWire reads until a message of the wanted type arrives, skipping
// interleaved online-users broadcasts and other traffic.
func waitForWire(t *testing.T, conn *websocket.Conn, typ Type) Message {
	t.Helper()

	for i := 0; i < 32; i++ {
		msg := readWire(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message within 32 reads", typ)
	return Message{}
}

// waitForOnlineUsers reads broadcasts until the predicate holds.
func waitForOnlineUsers(t *testing.T, conn *websocket.Conn, ok func([]User) bool) []User {
	t.Helper()

	for i := 0; i < 32; i++ {
		msg := waitForWire(t, conn, TypeOnlineUsers)
		if ok(msg.Users) {
			return msg.Users
		}
	}
	t.Fatalf("online-users predicate never satisfied")
	return nil
}

func TestWebSocketServer_RegisterAndBroadcast(t *testing.T) {
	wsURL := startTestRelay(t)

	alice := dialRelay(t, wsURL, "alice")
	aliceID := waitForWire(t, alice, TypeYourID)
	if aliceID.ID == "" || aliceID.Name != "alice" {
		t.Fatalf("unexpected your-id: %+v", aliceID)
	}

	bob := dialRelay(t, wsURL, "bob")
	bobID := waitForWire(t, bob, TypeYourID)

	waitForOnlineUsers(t, alice, func(users []User) bool {
		return len(users) == 1 && users[0].ID == bobID.ID && users[0].Name == "bob"
	})
	waitForOnlineUsers(t, bob, func(users []User) bool {
		return len(users) == 1 && users[0].ID == aliceID.ID
	})
}

func TestWebSocketServer_RequestAcceptFlow(t *testing.T) {
	wsURL := startTestRelay(t)

	alice := dialRelay(t, wsURL, "alice")
	aliceID := waitForWire(t, alice, TypeYourID).ID
	bob := dialRelay(t, wsURL, "bob")
	bobID := waitForWire(t, bob, TypeYourID).ID

	waitForOnlineUsers(t, alice, func(users []User) bool { return len(users) == 1 })

	if err := alice.WriteJSON(Message{Type: TypeRequestConnection, To: bobID}); err != nil {
		t.Fatalf("send request-connection: %v", err)
	}
	req := waitForWire(t, bob, TypeIncomingRequest)
	if req.From != aliceID || req.FromName != "alice" {
		t.Fatalf("unexpected incoming-request: %+v", req)
	}

	if err := bob.WriteJSON(Message{Type: TypeAcceptConnection, From: req.From}); err != nil {
		t.Fatalf("send accept-connection: %v", err)
	}

	startA := waitForWire(t, alice, TypeWebRTCStart)
	startB := waitForWire(t, bob, TypeWebRTCStart)
	if startA.RoomID == "" || startA.RoomID != startB.RoomID {
		t.Fatalf("room id mismatch: %q vs %q", startA.RoomID, startB.RoomID)
	}
	if startA.IsCaller == nil || !*startA.IsCaller {
		t.Fatalf("requester should be caller: %+v", startA)
	}
	if startB.IsCaller == nil || *startB.IsCaller {
		t.Fatalf("accepter should not be caller: %+v", startB)
	}
}

func TestWebSocketServer_MalformedMessageKeepsConnectionAlive(t *testing.T) {
	wsURL := startTestRelay(t)

	alice := dialRelay(t, wsURL, "alice")
	waitForWire(t, alice, TypeYourID)
	bob := dialRelay(t, wsURL, "bob")
	waitForWire(t, bob, TypeYourID)

	if err := bob.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	if err := bob.WriteMessage(websocket.TextMessage, []byte(`{"type":"no-such-type"}`)); err != nil {
		t.Fatalf("send unknown type: %v", err)
	}

	// The connection must survive; a subsequent rename still routes.
	if err := bob.WriteJSON(Message{Type: TypeRegisterName, Name: "bobby"}); err != nil {
		t.Fatalf("send register-name: %v", err)
	}
	waitForOnlineUsers(t, alice, func(users []User) bool {
		return len(users) == 1 && users[0].Name == "bobby"
	})
}

func TestWebSocketServer_AbruptDisconnectLeavesBroadcast(t *testing.T) {
	wsURL := startTestRelay(t)

	alice := dialRelay(t, wsURL, "alice")
	waitForWire(t, alice, TypeYourID)
	bob := dialRelay(t, wsURL, "bob")
	waitForWire(t, bob, TypeYourID)

	waitForOnlineUsers(t, alice, func(users []User) bool { return len(users) == 1 })

	// No peer-disconnect message, just a dead socket.
	_ = bob.Close()

	waitForOnlineUsers(t, alice, func(users []User) bool { return len(users) == 0 })
}

func TestWebSocketServer_OversizedMessageClosesConnection(t *testing.T) {
	wsURL := startTestRelay(t)

	alice := dialRelay(t, wsURL, "alice")
	waitForWire(t, alice, TypeYourID)

	huge := `{"type":"register-name","name":"` + strings.Repeat("x", 128*1024) + `"}`
	if err := alice.WriteMessage(websocket.TextMessage, []byte(huge)); err != nil {
		t.Fatalf("send oversized message: %v", err)
	}

	_ = alice.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg Message
		if err := alice.ReadJSON(&msg); err != nil {
			return // connection closed as expected
		}
	}
}

func TestWebSocketServer_OriginAllowlist(t *testing.T) {
	reg := NewRegistry(testLogger())
	coord := NewCoordinator(reg, nil, testLogger())
	srv := NewWebSocketServer(ServerConfig{
		AllowedOrigins: []string{"https://drop.example.com"},
	}, coord, nil, testLogger())

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("foreign origin was upgraded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin got %v, want 403", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://drop.example.com"}})
	if err != nil {
		t.Fatalf("allowlisted origin rejected: %v", err)
	}
	conn.Close()

	// No Origin header means a non-browser client; always admitted.
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("originless client rejected: %v", err)
	}
	conn.Close()
}
