// Package testutil provides common helpers for tests that talk to the relay
// over HTTP and WebSocket.
//
// It covers dialing with an Origin header, sending JSON frames, reading
// typed frames with deadlines and asserting on HTTP responses, so individual
// test files stay focused on behavior.
package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/dmrelay/internal/protocol"
)

// DefaultTimeout bounds every read performed by the helpers in this package.
const DefaultTimeout = 2 * time.Second

// WebSocketURL turns an httptest server URL into the relay's ws:// endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the given Origin header.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and fails the test on error. The connection is
// closed when the test ends.
func MustConnect(t *testing.T, url, origin string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url, origin)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendJSON encodes v as a single text frame.
func SendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

// SendRaw writes data as a single text frame without touching it.
func SendRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to send raw frame: %v", err)
	}
}

// Join sends a join frame for name.
func Join(t *testing.T, conn *websocket.Conn, name string) {
	t.Helper()
	SendJSON(t, conn, map[string]string{"type": protocol.TypeJoin, "userName": name})
}

// Chat sends a chat frame addressed to to.
func Chat(t *testing.T, conn *websocket.Conn, to, content string) {
	t.Helper()
	SendJSON(t, conn, map[string]string{"type": protocol.TypeChat, "to": to, "content": content})
}

// ReadFrame reads and decodes the next frame, failing the test if none
// arrives within timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Message {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode frame %q: %v", data, err)
	}
	return msg
}

// ReadUntil reads frames until one of type frameType arrives and returns it.
// Frames of other types are discarded.
func ReadUntil(t *testing.T, conn *websocket.Conn, frameType string) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		msg := ReadFrame(t, conn, time.Until(deadline))
		if msg.Type() == frameType {
			return msg
		}
	}
	t.Fatalf("No %s frame received within %v", frameType, DefaultTimeout)
	return nil
}

// ReadChat reads until the next chat frame.
func ReadChat(t *testing.T, conn *websocket.Conn) protocol.ChatMessage {
	t.Helper()
	return ReadUntil(t, conn, protocol.TypeChat).(protocol.ChatMessage)
}

// ReadHistory reads until the next history frame.
func ReadHistory(t *testing.T, conn *websocket.Conn) protocol.History {
	t.Helper()
	return ReadUntil(t, conn, protocol.TypeHistory).(protocol.History)
}

// ReadUserList reads until the next userList frame.
func ReadUserList(t *testing.T, conn *websocket.Conn) protocol.UserList {
	t.Helper()
	return ReadUntil(t, conn, protocol.TypeUserList).(protocol.UserList)
}

// ExpectNoFrame fails the test if a frame arrives within timeout.
// A timed out read leaves the connection unusable, so this must be the
// last read on conn.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no frame, but received %s", data)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of frame: %v", err)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// FindUser returns the entry for username in list.
func FindUser(list protocol.UserList, username string) (protocol.UserEntry, bool) {
	for _, u := range list.Users {
		if u.Username == username {
			return u, true
		}
	}
	return protocol.UserEntry{}, false
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MustMarshal encodes v or fails the test.
func MustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return data
}
