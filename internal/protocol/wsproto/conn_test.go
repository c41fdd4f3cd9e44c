package wsproto

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// wsServer is a minimal fake websocket endpoint recording inbound frames.
type wsServer struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	frames   []string
	accepted int

	// onConn optionally drives per-connection behavior.
	onConn func(*websocket.Conn)
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var header http.Header
		if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
			first := strings.TrimSpace(strings.Split(proto, ",")[0])
			header = http.Header{"Sec-WebSocket-Protocol": {first}}
		}
		conn, err := s.upgrader.Upgrade(w, r, header)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()
		if s.onConn != nil {
			s.onConn(conn)
			return
		}
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, string(payload))
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

func (s *wsServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *wsServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ConnConfig
		want    string
		wantErr bool
	}{
		{
			name: "query param auth appends token",
			cfg:  ConnConfig{URL: "wss://api.example.com/stream", AuthMethod: HandshakeQueryParam, Token: "tok-1"},
			want: "wss://api.example.com/stream?token=tok-1",
		},
		{
			name: "custom parameter name",
			cfg:  ConnConfig{URL: "wss://api.example.com/stream", AuthMethod: HandshakeQueryParam, Token: "tok-1", QueryParam: "access_token"},
			want: "wss://api.example.com/stream?access_token=tok-1",
		},
		{
			name: "existing query preserved",
			cfg:  ConnConfig{URL: "wss://api.example.com/stream?v=2", AuthMethod: HandshakeQueryParam, Token: "tok"},
			want: "wss://api.example.com/stream?token=tok&v=2",
		},
		{
			name: "other methods leave the url untouched",
			cfg:  ConnConfig{URL: "wss://api.example.com/stream", AuthMethod: HandshakeSubprotocol, Token: "tok"},
			want: "wss://api.example.com/stream",
		},
		{
			name:    "http scheme rejected",
			cfg:     ConnConfig{URL: "https://api.example.com/stream"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewConn(tc.cfg).BuildURL()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildURL: %v", err)
			}
			if got != tc.want {
				t.Fatalf("BuildURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSubprotocolsMergeToken(t *testing.T) {
	t.Parallel()

	c := NewConn(ConnConfig{
		URL:          "wss://x",
		AuthMethod:   HandshakeSubprotocol,
		Token:        "tok-abc",
		Subprotocols: []string{"graphql-ws"},
	})
	got := c.Subprotocols()
	if len(got) != 2 || got[0] != "graphql-ws" || got[1] != "tok-abc" {
		t.Fatalf("Subprotocols = %v", got)
	}

	plain := NewConn(ConnConfig{URL: "wss://x", AuthMethod: HandshakeNone, Subprotocols: []string{"chat"}})
	if got := plain.Subprotocols(); len(got) != 1 || got[0] != "chat" {
		t.Fatalf("Subprotocols = %v", got)
	}
}

func TestAuthMessageTemplate(t *testing.T) {
	t.Parallel()

	templated := NewConn(ConnConfig{
		URL:                 "wss://x",
		Token:               "tok-9",
		AuthMessageTemplate: `{"kind":"{{type}}","credential":"{{token}}"}`,
	})
	msg, err := templated.authMessage()
	if err != nil {
		t.Fatalf("authMessage: %v", err)
	}
	if string(msg) != `{"kind":"auth","credential":"tok-9"}` {
		t.Fatalf("authMessage = %s", msg)
	}

	fallback := NewConn(ConnConfig{URL: "wss://x", Token: "tok-9"})
	msg, err = fallback.authMessage()
	if err != nil {
		t.Fatalf("authMessage: %v", err)
	}
	parsed := gjson.ParseBytes(msg)
	if parsed.Get("type").String() != "auth" || parsed.Get("token").String() != "tok-9" {
		t.Fatalf("default authMessage = %s", msg)
	}
}

func TestReconnectDelayBackoff(t *testing.T) {
	t.Parallel()

	base := time.Second
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 1 * time.Second, 2 * time.Second},
		{2, 2 * time.Second, 3 * time.Second},
		{3, 4 * time.Second, 5 * time.Second},
		{10, 30 * time.Second, 30 * time.Second},
	}
	for _, tc := range tests {
		for i := 0; i < 16; i++ {
			got := ReconnectDelay(base, tc.attempt)
			if got < tc.min || got > tc.max {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", tc.attempt, got, tc.min, tc.max)
			}
		}
	}
}

func TestConnectFirstMessageAuth(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	c := NewConn(ConnConfig{
		URL:        srv.url(),
		AuthMethod: HandshakeFirstMessage,
		Token:      "tok-first",
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if got := c.State(); got != StateAuthenticated {
		t.Fatalf("state = %s, want %s", got, StateAuthenticated)
	}
	waitFor(t, 2*time.Second, func() bool { return len(srv.received()) >= 1 })
	first := gjson.Parse(srv.received()[0])
	if first.Get("type").String() != "auth" || first.Get("token").String() != "tok-first" {
		t.Fatalf("auth frame = %s", srv.received()[0])
	}
}

func TestQueuedMessagesFlushInOrder(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	c := NewConn(ConnConfig{URL: srv.url(), AuthMethod: HandshakeNone})

	for _, payload := range []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`} {
		if err := c.Send([]byte(payload)); err != nil {
			t.Fatalf("Send while disconnected: %v", err)
		}
	}
	if got := c.QueuedMessages(); got != 3 {
		t.Fatalf("QueuedMessages = %d, want 3", got)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, 2*time.Second, func() bool { return len(srv.received()) >= 3 })
	got := srv.received()
	for i, want := range []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`} {
		if got[i] != want {
			t.Fatalf("frame %d = %q, want %q (all: %v)", i, got[i], want, got)
		}
	}
	if c.QueuedMessages() != 0 {
		t.Fatalf("queue not drained: %d left", c.QueuedMessages())
	}
}

func TestHeartbeatSendsPings(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	srv.onConn = func(conn *websocket.Conn) {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			srv.mu.Lock()
			srv.frames = append(srv.frames, string(payload))
			srv.mu.Unlock()
			if gjson.GetBytes(payload, "type").String() == "ping" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
			}
		}
	}

	c := NewConn(ConnConfig{
		URL:          srv.url(),
		AuthMethod:   HandshakeNone,
		PingInterval: 30 * time.Millisecond,
		PongTimeout:  200 * time.Millisecond,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, 2*time.Second, func() bool {
		for _, frame := range srv.received() {
			parsed := gjson.Parse(frame)
			if parsed.Get("type").String() == "ping" && parsed.Get("timestamp").Exists() {
				return true
			}
		}
		return false
	})
	// Pongs keep the link alive well past the timeout window.
	time.Sleep(300 * time.Millisecond)
	if got := c.State(); got != StateAuthenticated {
		t.Fatalf("state after pongs = %s, want %s", got, StateAuthenticated)
	}
}

func TestPongTimeoutForcesClose(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	// Server swallows everything, never answering pings.
	c := NewConn(ConnConfig{
		URL:          srv.url(),
		AuthMethod:   HandshakeNone,
		PingInterval: 30 * time.Millisecond,
		PongTimeout:  20 * time.Millisecond,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, 3*time.Second, func() bool {
		s := c.State()
		return s != StateAuthenticated && s != StateConnected
	})
}

func TestHeartbeatMessagesAreSwallowed(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	srv.onConn = func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","id":7}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	var mu sync.Mutex
	var delivered []string
	c := NewConn(ConnConfig{
		URL:        srv.url(),
		AuthMethod: HandshakeNone,
		OnMessage: func(payload []byte) {
			mu.Lock()
			delivered = append(delivered, string(payload))
			mu.Unlock()
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) >= 1
	})
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != `{"type":"event","id":7}` {
		t.Fatalf("delivered = %v, heartbeat frames must be swallowed", delivered)
	}
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	srv.onConn = func(conn *websocket.Conn) {
		srv.mu.Lock()
		first := srv.accepted == 1
		srv.mu.Unlock()
		if first {
			// Drop the first connection without a close frame.
			_ = conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	c := NewConn(ConnConfig{
		URL:           srv.url(),
		AuthMethod:    HandshakeNone,
		AutoReconnect: true,
		BaseDelay:     10 * time.Millisecond,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, 5*time.Second, func() bool {
		return srv.connections() >= 2 && c.State() == StateAuthenticated
	})
	// The attempt counter resets after the successful reopen.
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0 after clean open", got)
	}
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	srv.onConn = func(conn *websocket.Conn) {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		_ = conn.Close()
	}

	c := NewConn(ConnConfig{
		URL:           srv.url(),
		AuthMethod:    HandshakeNone,
		AutoReconnect: true,
		BaseDelay:     10 * time.Millisecond,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return c.State() == StateDisconnected })
	time.Sleep(100 * time.Millisecond)
	if got := srv.connections(); got != 1 {
		t.Fatalf("clean close must not reconnect, got %d connections", got)
	}
}

func TestMaxReconnectAttemptsExhausted(t *testing.T) {
	t.Parallel()

	// Dial a closed port so every attempt fails.
	c := NewConn(ConnConfig{
		URL:                  "ws://127.0.0.1:1",
		AuthMethod:           HandshakeNone,
		AutoReconnect:        true,
		BaseDelay:            5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial failure")
	}
	waitFor(t, 10*time.Second, func() bool { return c.State() == StateError })
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	t.Parallel()

	c := NewConn(ConnConfig{
		URL:           "ws://127.0.0.1:1",
		AuthMethod:    HandshakeNone,
		AutoReconnect: true,
		BaseDelay:     50 * time.Millisecond,
	})
	_ = c.Connect(context.Background())
	c.Disconnect()
	time.Sleep(200 * time.Millisecond)
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0 after Disconnect", got)
	}
}
