package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mobilebarber/support-rtc/config"
	"github.com/mobilebarber/support-rtc/internal/protocol"
)

func newTestRelay(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		JWTSecret:     "test-secret",
		AdminPassword: "trim-and-shave",
	}
	hub := NewHub(cfg.JWTSecret, nil)

	router := gin.New()
	router.POST("/api/auth/login", Login(cfg))
	router.GET("/ws/support", hub.HandleWS)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, name, role, password string) LoginResponse {
	t.Helper()
	body, _ := json.Marshal(LoginRequest{Name: name, Role: role, Password: password})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login for %s returned %d", name, resp.StatusCode)
	}
	var out LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return out
}

func dialWS(t *testing.T, srv *httptest.Server, token, name string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/support?token=" + url.QueryEscape(token) + "&name=" + url.QueryEscape(name)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", name, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestLoginRejectsBadAdminPassword(t *testing.T) {
	srv := newTestRelay(t)
	body, _ := json.Marshal(LoginRequest{Name: "Mallory", Role: "admin", Password: "wrong"})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWSRequiresToken(t *testing.T) {
	srv := newTestRelay(t)
	resp, err := http.Get(srv.URL + "/ws/support")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

// End-to-end: admin and a client connect, exchange chat and call frames,
// and the relay stamps identity and fans out roster changes.
func TestHubRouting(t *testing.T) {
	srv := newTestRelay(t)

	admin := login(t, srv, "Sam", "admin", "trim-and-shave")
	if admin.UserID != "admin" {
		t.Fatalf("admin user id = %q", admin.UserID)
	}
	client := login(t, srv, "Jordan", "", "")
	if client.Role != "client" {
		t.Fatalf("client role = %q", client.Role)
	}

	adminConn := dialWS(t, srv, admin.Token, "Sam")

	// Admin's first frame is the (empty) roster snapshot.
	env := readEnvelope(t, adminConn)
	if env.Kind != protocol.KindRoster {
		t.Fatalf("first admin frame = %q, want roster", env.Kind)
	}
	var roster protocol.RosterPayload
	if err := env.Decode(&roster); err != nil {
		t.Fatal(err)
	}
	if len(roster.Clients) != 0 {
		t.Fatalf("initial roster has %d clients, want 0", len(roster.Clients))
	}

	clientConn := dialWS(t, srv, client.Token, "Jordan")

	// The newcomer learns the admin is online.
	env = readEnvelope(t, clientConn)
	if env.Kind != protocol.KindPresence {
		t.Fatalf("first client frame = %q, want presence", env.Kind)
	}
	var pres protocol.PresencePayload
	if err := env.Decode(&pres); err != nil {
		t.Fatal(err)
	}
	if !pres.Online {
		t.Error("presence says admin offline while connected")
	}

	// The admin gets a fresh roster containing the client.
	env = readEnvelope(t, adminConn)
	if env.Kind != protocol.KindRoster {
		t.Fatalf("frame after client join = %q, want roster", env.Kind)
	}
	if err := env.Decode(&roster); err != nil {
		t.Fatal(err)
	}
	if len(roster.Clients) != 1 || roster.Clients[0].ID != client.UserID || roster.Clients[0].Name != "Jordan" {
		t.Fatalf("roster after join = %+v", roster.Clients)
	}

	// Client→admin chat. The relay stamps From even when the sender lies.
	payload, _ := json.Marshal(protocol.MessagePayload{Text: "hello", Timestamp: time.Now()})
	if err := clientConn.WriteJSON(protocol.Envelope{
		Kind:    protocol.KindMessage,
		From:    "spoofed-identity",
		Payload: payload,
	}); err != nil {
		t.Fatal(err)
	}
	env = readEnvelope(t, adminConn)
	if env.Kind != protocol.KindMessage {
		t.Fatalf("admin received %q, want message", env.Kind)
	}
	if env.From != client.UserID || env.FromRole != protocol.RoleClient {
		t.Errorf("sender stamp = %s/%s, want %s/client", env.From, env.FromRole, client.UserID)
	}

	// Admin→client call offer must name its target.
	offer, _ := json.Marshal(protocol.OfferPayload{
		Kind:  protocol.CallAudio,
		Offer: protocol.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	if err := adminConn.WriteJSON(protocol.Envelope{
		Kind:    protocol.KindCallOffer,
		To:      client.UserID,
		Payload: offer,
	}); err != nil {
		t.Fatal(err)
	}
	env = readEnvelope(t, clientConn)
	if env.Kind != protocol.KindCallOffer || env.From != "admin" {
		t.Errorf("client received %q from %q, want call_offer from admin", env.Kind, env.From)
	}

	// An admin frame without a target bounces back as an error.
	if err := adminConn.WriteJSON(protocol.Envelope{Kind: protocol.KindMessage, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	env = readEnvelope(t, adminConn)
	if env.Kind != protocol.KindError {
		t.Errorf("untargeted admin frame produced %q, want error", env.Kind)
	}

	// Client departure shrinks the roster.
	clientConn.Close()
	env = readEnvelope(t, adminConn)
	if env.Kind != protocol.KindRoster {
		t.Fatalf("frame after client leave = %q, want roster", env.Kind)
	}
	if err := env.Decode(&roster); err != nil {
		t.Fatal(err)
	}
	if len(roster.Clients) != 0 {
		t.Errorf("roster after leave = %+v, want empty", roster.Clients)
	}
}

func TestClientGetsErrorWhenAdminOffline(t *testing.T) {
	srv := newTestRelay(t)
	client := login(t, srv, "Jordan", "", "")
	clientConn := dialWS(t, srv, client.Token, "Jordan")

	// First frame tells the client the admin is offline.
	env := readEnvelope(t, clientConn)
	if env.Kind != protocol.KindPresence {
		t.Fatalf("first frame = %q, want presence", env.Kind)
	}
	var pres protocol.PresencePayload
	if err := env.Decode(&pres); err != nil {
		t.Fatal(err)
	}
	if pres.Online {
		t.Error("presence says admin online with none connected")
	}

	payload, _ := json.Marshal(protocol.MessagePayload{Text: "anyone there?", Timestamp: time.Now()})
	if err := clientConn.WriteJSON(protocol.Envelope{Kind: protocol.KindMessage, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	env = readEnvelope(t, clientConn)
	if env.Kind != protocol.KindError {
		t.Errorf("frame = %q, want error while admin offline", env.Kind)
	}
}

// A frame routed to a party that is being superseded by a reconnect of the
// same identity must be dropped, never sent on a closed channel.
func TestEnqueueRacingShutdownDoesNotPanic(t *testing.T) {
	p := &party{id: "c1", role: protocol.RoleClient, send: make(chan []byte, 1)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			p.enqueue([]byte("frame"))
		}
	}()
	p.shutdown()
	<-done

	// Enqueue after shutdown drops; shutdown is idempotent.
	p.enqueue([]byte("late frame"))
	p.shutdown()
}

func TestClientReconnectSupersedes(t *testing.T) {
	srv := newTestRelay(t)

	admin := login(t, srv, "Sam", "admin", "trim-and-shave")
	client := login(t, srv, "Jordan", "", "")

	adminConn := dialWS(t, srv, admin.Token, "Sam")
	readEnvelope(t, adminConn) // initial roster

	oldConn := dialWS(t, srv, client.Token, "Jordan")
	readEnvelope(t, oldConn)   // presence
	readEnvelope(t, adminConn) // roster with client

	// Same identity dials again, as a refreshed browser tab would.
	newConn := dialWS(t, srv, client.Token, "Jordan")
	readEnvelope(t, newConn)   // presence
	readEnvelope(t, adminConn) // roster, still one client

	// Routing to the identity reaches the successor connection, and the
	// relay survives to deliver it.
	payload, _ := json.Marshal(protocol.MessagePayload{Text: "still there?", Timestamp: time.Now()})
	if err := adminConn.WriteJSON(protocol.Envelope{
		Kind:    protocol.KindMessage,
		To:      client.UserID,
		Payload: payload,
	}); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, newConn)
	if env.Kind != protocol.KindMessage || env.From != "admin" {
		t.Errorf("successor received %q from %q, want message from admin", env.Kind, env.From)
	}

	// The superseded socket is closed by the relay.
	oldConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := oldConn.ReadMessage(); err != nil {
			break
		}
	}

	// The hub is still healthy: a second frame routes fine.
	if err := adminConn.WriteJSON(protocol.Envelope{
		Kind:    protocol.KindMessage,
		To:      client.UserID,
		Payload: payload,
	}); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, newConn); env.Kind != protocol.KindMessage {
		t.Errorf("second frame = %q, want message", env.Kind)
	}
}

func TestAdminDropBroadcastsOffline(t *testing.T) {
	srv := newTestRelay(t)
	admin := login(t, srv, "Sam", "admin", "trim-and-shave")
	client := login(t, srv, "Jordan", "", "")

	adminConn := dialWS(t, srv, admin.Token, "Sam")
	readEnvelope(t, adminConn) // initial roster

	clientConn := dialWS(t, srv, client.Token, "Jordan")
	readEnvelope(t, clientConn) // presence online
	readEnvelope(t, adminConn)  // roster with client

	adminConn.Close()

	env := readEnvelope(t, clientConn)
	if env.Kind != protocol.KindPresence {
		t.Fatalf("frame after admin drop = %q, want presence", env.Kind)
	}
	var pres protocol.PresencePayload
	if err := env.Decode(&pres); err != nil {
		t.Fatal(err)
	}
	if pres.Online {
		t.Error("presence still online after admin dropped")
	}
}
