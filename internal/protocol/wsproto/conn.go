package wsproto

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// State is the connection lifecycle position.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReconnecting   State = "reconnecting"
	StateError          State = "error"
)

// Handshake authentication methods.
const (
	HandshakeQueryParam   = "query-param"
	HandshakeSubprotocol  = "subprotocol"
	HandshakeFirstMessage = "first-message"
	HandshakeNone         = "none"
)

// Timer defaults. A zero ping interval disables the heartbeat entirely.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 5 * time.Second
	DefaultBaseDelay    = 1 * time.Second
	maxReconnectDelay   = 30 * time.Second
	reconnectJitter     = 1000 // milliseconds
	writeTimeout        = 10 * time.Second
)

// ConnConfig describes one managed websocket connection.
type ConnConfig struct {
	// URL is the ws(s):// endpoint.
	URL string
	// AuthMethod selects how the token is presented during the handshake.
	AuthMethod string
	// Token is the credential material for the selected auth method.
	Token string
	// QueryParam names the URL parameter for query-param auth ("token" when
	// empty).
	QueryParam string
	// Subprotocols lists the Sec-WebSocket-Protocol values to offer.
	Subprotocols []string
	// AuthMessageTemplate is the first-message auth payload. {{token}} and
	// {{type}} placeholders are substituted; empty falls back to a built-in
	// {"type":"auth","token":...} message.
	AuthMessageTemplate string

	// PingInterval spaces the application-level ping messages. Zero disables
	// the heartbeat; negative values fall back to the default.
	PingInterval time.Duration
	// PongTimeout is the grace period past PingInterval before a silent peer
	// is force-closed.
	PongTimeout time.Duration

	// AutoReconnect schedules a dial retry after any non-clean close.
	AutoReconnect bool
	// MaxReconnectAttempts caps consecutive retries; zero means unlimited.
	MaxReconnectAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	// OnMessage receives every inbound frame except the ping/pong heartbeat
	// messages, which are consumed internally.
	OnMessage func([]byte)
	// OnStateChange observes every state transition.
	OnStateChange func(State)
}

// Conn is a managed client websocket connection: handshake authentication,
// application-level heartbeat, exponential-backoff reconnection, and a FIFO
// queue for messages sent while the link is down. One Conn owns one live
// socket; it is safe for concurrent use.
type Conn struct {
	cfg ConnConfig

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	done     chan struct{} // closed when the current socket is torn down
	queue    [][]byte
	attempts int
	lastPong time.Time
	stopping bool

	writeMutex sync.Mutex
}

// NewConn builds a managed connection from the config without dialing.
func NewConn(cfg ConnConfig) *Conn {
	if cfg.PingInterval < 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "token"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Conn{cfg: cfg, state: StateDisconnected}
}

// State returns the current lifecycle position.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the consecutive failed-dial counter. It resets
// to zero after a clean open.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Conn) setState(next State) {
	c.mu.Lock()
	changed := c.state != next
	c.state = next
	cb := c.cfg.OnStateChange
	c.mu.Unlock()
	if changed && cb != nil {
		cb(next)
	}
}

// BuildURL appends the token as a query parameter for query-param auth and
// returns the URL untouched for every other method.
func (c *Conn) BuildURL() (string, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("wsproto: invalid url %q: %w", c.cfg.URL, err)
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return "", fmt.Errorf("wsproto: url scheme must be ws or wss, got %q", target.Scheme)
	}
	if c.cfg.AuthMethod == HandshakeQueryParam && c.cfg.Token != "" {
		query := target.Query()
		query.Set(c.cfg.QueryParam, c.cfg.Token)
		target.RawQuery = query.Encode()
	}
	return target.String(), nil
}

// Subprotocols merges the configured list with the token itself when the
// auth method is subprotocol.
func (c *Conn) Subprotocols() []string {
	protos := append([]string(nil), c.cfg.Subprotocols...)
	if c.cfg.AuthMethod == HandshakeSubprotocol && c.cfg.Token != "" {
		protos = append(protos, c.cfg.Token)
	}
	return protos
}

// authMessage renders the first-message auth payload.
func (c *Conn) authMessage() ([]byte, error) {
	if tpl := c.cfg.AuthMessageTemplate; tpl != "" {
		rendered := strings.ReplaceAll(tpl, "{{token}}", c.cfg.Token)
		rendered = strings.ReplaceAll(rendered, "{{type}}", "auth")
		return []byte(rendered), nil
	}
	msg, err := sjson.Set("{}", "type", "auth")
	if err != nil {
		return nil, err
	}
	msg, err = sjson.Set(msg, "token", c.cfg.Token)
	if err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

// Connect dials the endpoint, performs handshake authentication, starts the
// heartbeat, and flushes any queued messages. It returns once the connection
// reaches authenticated (or fails).
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected ||
		c.state == StateAuthenticating || c.state == StateAuthenticated {
		c.mu.Unlock()
		return fmt.Errorf("wsproto: already connected")
	}
	c.stopping = false
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Conn) dial(ctx context.Context) error {
	c.setState(StateConnecting)

	target, err := c.BuildURL()
	if err != nil {
		c.setState(StateError)
		return err
	}
	dialer := *c.cfg.Dialer
	dialer.Subprotocols = c.Subprotocols()

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		log.Debugf("wsproto: dial %s failed (status=%d): %v", c.cfg.URL, status, err)
		if !c.scheduleReconnect() {
			c.setState(StateError)
		}
		return fmt.Errorf("wsproto: dial failed: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.attempts = 0
	c.lastPong = time.Now()
	c.mu.Unlock()
	c.setState(StateConnected)

	if c.cfg.AuthMethod == HandshakeFirstMessage {
		c.setState(StateAuthenticating)
		payload, err := c.authMessage()
		if err == nil {
			err = c.write(conn, payload)
		}
		if err != nil {
			c.teardown(conn, done, false)
			c.setState(StateError)
			return fmt.Errorf("wsproto: first-message auth failed: %w", err)
		}
	}
	c.setState(StateAuthenticated)

	go c.readLoop(conn, done)
	if c.cfg.PingInterval > 0 {
		go c.heartbeat(conn, done)
	}
	c.flushQueue(conn)
	return nil
}

// Send delivers one message, queueing it in FIFO order while the connection
// is not yet authenticated.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != StateAuthenticated || c.conn == nil {
		c.queue = append(c.queue, payload)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()
	return c.write(conn, payload)
}

func (c *Conn) write(conn *websocket.Conn, payload []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) flushQueue(conn *websocket.Conn) {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, payload := range queued {
		if err := c.write(conn, payload); err != nil {
			log.Warnf("wsproto: flush failed, requeueing %d messages: %v", len(queued), err)
			c.mu.Lock()
			c.queue = append(queued, c.queue...)
			c.mu.Unlock()
			return
		}
		queued = queued[1:]
	}
}

// readLoop consumes inbound frames. Heartbeat ping/pong messages refresh the
// liveness clock and are swallowed; everything else goes to OnMessage.
func (c *Conn) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure)
			c.handleClosed(conn, done, clean)
			return
		}
		msgType := gjson.GetBytes(payload, "type").String()
		if msgType == "ping" || msgType == "pong" {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(payload)
		}
	}
}

// heartbeat sends {"type":"ping","timestamp":...} every PingInterval and
// force-closes the socket with 1001 when no pong-equivalent message arrived
// within PingInterval+PongTimeout of the previous one.
func (c *Conn) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastPong) > c.cfg.PingInterval+c.cfg.PongTimeout
			c.mu.Unlock()
			if silent {
				log.Warnf("wsproto: pong timeout on %s, forcing close", c.cfg.URL)
				c.writeMutex.Lock()
				deadline := time.Now().Add(writeTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "Pong timeout"), deadline)
				c.writeMutex.Unlock()
				_ = conn.Close()
				return
			}
			ping, err := sjson.Set(`{"type":"ping"}`, "timestamp", time.Now().UnixMilli())
			if err != nil {
				continue
			}
			if err := c.write(conn, []byte(ping)); err != nil {
				log.Debugf("wsproto: heartbeat write failed: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// handleClosed tears down the finished socket and decides between staying
// disconnected and scheduling a reconnect.
func (c *Conn) handleClosed(conn *websocket.Conn, done chan struct{}, clean bool) {
	c.teardown(conn, done, clean)

	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if stopping || clean {
		c.setState(StateDisconnected)
		return
	}
	if !c.scheduleReconnect() {
		c.setState(StateError)
	}
}

func (c *Conn) teardown(conn *websocket.Conn, done chan struct{}, _ bool) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	select {
	case <-done:
	default:
		close(done)
	}
	c.mu.Unlock()
}

// scheduleReconnect arms the next backoff retry. It reports false when
// reconnection is disabled or the attempt limit is reached.
func (c *Conn) scheduleReconnect() bool {
	if !c.cfg.AutoReconnect {
		return false
	}
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return false
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
		log.Warnf("wsproto: giving up on %s after %d reconnect attempts", c.cfg.URL, attempt-1)
		return false
	}
	delay := ReconnectDelay(c.cfg.BaseDelay, attempt)
	c.setState(StateReconnecting)
	log.Infof("wsproto: reconnecting to %s in %s (attempt %d)", c.cfg.URL, delay, attempt)

	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		<-timer.C
		c.mu.Lock()
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return
		}
		if err := c.dial(context.Background()); err != nil {
			log.Debugf("wsproto: reconnect attempt %d failed: %v", attempt, err)
		}
	}()
	return true
}

// ReconnectDelay computes the jittered exponential backoff for the given
// 1-based attempt: min(base * 2^(attempt-1) + random(0,1000ms), 30s).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxReconnectDelay {
			backoff = maxReconnectDelay
			break
		}
	}
	delay := backoff + time.Duration(rand.Int63n(reconnectJitter))*time.Millisecond
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

// Disconnect closes the socket cleanly, cancels heartbeat and reconnect
// timers, and resets the attempt counter.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.stopping = true
	c.attempts = 0
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMutex.Lock()
		deadline := time.Now().Add(writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMutex.Unlock()
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

// QueuedMessages reports how many messages wait for the next flush.
func (c *Conn) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
