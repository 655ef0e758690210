package webrtc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage returns the next message of the given type, skipping others.
func readMessage(t *testing.T, conn *websocket.Conn, msgType string) SignalingMessage {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed waiting for %q: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewSignalingServer(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name           string
		allowedOrigins []string
		sendBufferSize int
		wantBufferSize int
	}{
		{
			name:           "default values",
			wantBufferSize: 64,
		},
		{
			name:           "custom values",
			allowedOrigins: []string{"http://localhost:3000"},
			sendBufferSize: 2048,
			wantBufferSize: 2048,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewSignalingServer(tt.allowedOrigins, tt.sendBufferSize, 0, logger)

			if server.sendBufferSize != tt.wantBufferSize {
				t.Errorf("Expected send buffer size %d, got %d", tt.wantBufferSize, server.sendBufferSize)
			}
			if len(server.allowedOrigins) == 0 {
				t.Error("Expected allowed origins to be set")
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		wantAllowed    bool
	}{
		{"wildcard allows all", []string{"*"}, "http://evil.com", true},
		{"exact match", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"no match", []string{"http://localhost:3000"}, "http://evil.com", false},
		{"no origin header", []string{"http://localhost:3000"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewSignalingServer(tt.allowedOrigins, 0, 0, logger)
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}

			if got := server.checkOrigin(req); got != tt.wantAllowed {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.wantAllowed)
			}
		})
	}
}

func TestClientIDUniqueness(t *testing.T) {
	server := NewSignalingServer(nil, 0, 0, zaptest.NewLogger(t))
	testServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer testServer.Close()

	dialWS(t, testServer.URL)
	dialWS(t, testServer.URL)

	waitUntil(t, func() bool { return server.GetClientCount() == 2 })

	ids := server.GetClients()
	if ids[0] == ids[1] {
		t.Errorf("Duplicate client ID detected: %s", ids[0])
	}
	for _, id := range ids {
		if len(id) != 36 || strings.Count(id, "-") != 4 {
			t.Errorf("Client ID does not look like a UUID: %s", id)
		}
	}
}

func TestPingPong(t *testing.T) {
	server := NewSignalingServer(nil, 0, 0, zaptest.NewLogger(t))
	testServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer testServer.Close()

	conn := dialWS(t, testServer.URL)
	waitUntil(t, func() bool { return server.GetClientCount() == 1 })

	server.mu.RLock()
	var client *SignalingClient
	for _, c := range server.clients {
		client = c
	}
	server.mu.RUnlock()
	initialPing := client.LastPing()

	time.Sleep(10 * time.Millisecond)
	if err := conn.WriteJSON(SignalingMessage{Type: "ping"}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}
	readMessage(t, conn, "pong")

	if !client.LastPing().After(initialPing) {
		t.Error("Expected lastPing to be updated after ping message")
	}
}

func TestUnknownMessageType(t *testing.T) {
	server := NewSignalingServer(nil, 0, 0, zaptest.NewLogger(t))
	testServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer testServer.Close()

	conn := dialWS(t, testServer.URL)
	if err := conn.WriteJSON(SignalingMessage{Type: "bogus"}); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	msg := readMessage(t, conn, "error")
	var body map[string]string
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		t.Fatalf("Error payload does not parse: %v", err)
	}
	if !strings.Contains(body["message"], "unknown message type") {
		t.Errorf("Error message = %q", body["message"])
	}
}

func TestMaxClients(t *testing.T) {
	server := NewSignalingServer(nil, 0, 1, zaptest.NewLogger(t))
	testServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer testServer.Close()

	dialWS(t, testServer.URL)
	waitUntil(t, func() bool { return server.GetClientCount() == 1 })

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(testServer.URL, "http"), nil)
	if err == nil {
		t.Fatal("Expected second client to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for client over the limit, got %v", resp)
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	server := NewSignalingServer(nil, 0, 0, zaptest.NewLogger(t))
	disconnected := make(chan string, 1)
	server.SetHandlers(nil, func(c *SignalingClient) { disconnected <- c.GetID() }, nil, nil, nil)

	testServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer testServer.Close()

	conn := dialWS(t, testServer.URL)
	waitUntil(t, func() bool { return server.GetClientCount() == 1 })
	conn.Close()

	select {
	case id := <-disconnected:
		if id == "" {
			t.Error("Disconnect handler got empty client ID")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect handler not called")
	}
	if server.GetClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", server.GetClientCount())
	}
}

func TestSendMessageTimeout(t *testing.T) {
	client := &SignalingClient{
		id:     "test-client",
		logger: zaptest.NewLogger(t),
		send:   make(chan []byte, 1),
	}
	client.send <- []byte("message1")

	start := time.Now()
	err := client.sendMessage("test", map[string]string{"data": "test"})
	duration := time.Since(start)

	if err == nil {
		t.Error("Expected timeout error, got nil")
	}
	if duration < 4*time.Second || duration > 6*time.Second {
		t.Errorf("Expected timeout around 5 seconds, got %v", duration)
	}

	waitUntil(t, client.IsClosed)
}
