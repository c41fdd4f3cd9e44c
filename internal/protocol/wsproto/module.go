// Package wsproto implements the WebSocket protocol module: a managed
// client connection with handshake authentication, an application-level
// JSON heartbeat, exponential-backoff reconnection, and FIFO queueing of
// messages sent while the link is down.
package wsproto

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apirelay/apirelay/internal/protocol"
)

// Type is the protocol identifier of the WebSocket module.
const Type = "websocket"

// Credential keys.
const (
	KeyURL                  = "url"
	KeyAuthMethod           = "authMethod"
	KeyToken                = "token"
	KeyQueryParam           = "queryParam"
	KeySubprotocols         = "subprotocols"
	KeyAuthMessageTemplate  = "authMessageTemplate"
	KeyPingInterval         = "pingInterval"
	KeyPongTimeout          = "pongTimeout"
	KeyAutoReconnect        = "autoReconnect"
	KeyMaxReconnectAttempts = "maxReconnectAttempts"
)

func init() {
	protocol.Register(Type, func(opts protocol.Options) protocol.Module {
		return NewModule(opts)
	})
}

// Module is the WebSocket protocol module. One instance owns at most one
// live connection; a second Authenticate call replaces it.
type Module struct {
	*protocol.BaseModule

	conn *Conn
}

// NewModule constructs the WebSocket protocol module.
func NewModule(opts protocol.Options) *Module {
	meta := protocol.Metadata{
		Type:             Type,
		DisplayName:      "WebSocket",
		Description:      "Persistent WebSocket connection with heartbeat and automatic reconnection.",
		Version:          "1.0.0",
		DocumentationURL: "https://datatracker.ietf.org/doc/html/rfc6455",
	}
	caps := protocol.Capabilities{Streaming: true}
	zero := float64(0)
	required := []protocol.FieldDefinition{
		{ID: KeyURL, Label: "WebSocket URL", Type: protocol.FieldTypeURL, Required: true, Pattern: `^wss?://`},
		{ID: KeyAuthMethod, Label: "Authentication", Type: protocol.FieldTypeSelect, Required: true,
			Options: []protocol.FieldOption{
				{Value: HandshakeQueryParam, Label: "Token query parameter"},
				{Value: HandshakeSubprotocol, Label: "Token subprotocol"},
				{Value: HandshakeFirstMessage, Label: "First-message auth"},
				{Value: HandshakeNone, Label: "None"},
			}},
	}
	optional := []protocol.FieldDefinition{
		{ID: KeyToken, Label: "Token", Type: protocol.FieldTypePassword, Required: true,
			VisibleWhen: &protocol.VisibleWhen{Field: KeyAuthMethod,
				Equals: []string{HandshakeQueryParam, HandshakeSubprotocol, HandshakeFirstMessage}}},
		{ID: KeyQueryParam, Label: "Query Parameter Name", Type: protocol.FieldTypeText,
			Placeholder: "token",
			VisibleWhen: &protocol.VisibleWhen{Field: KeyAuthMethod, Equals: []string{HandshakeQueryParam}}},
		{ID: KeySubprotocols, Label: "Subprotocols", Type: protocol.FieldTypeText,
			Help: "Comma separated Sec-WebSocket-Protocol values."},
		{ID: KeyAuthMessageTemplate, Label: "Auth Message", Type: protocol.FieldTypeTextarea,
			Help:        "JSON template; {{token}} and {{type}} are substituted.",
			VisibleWhen: &protocol.VisibleWhen{Field: KeyAuthMethod, Equals: []string{HandshakeFirstMessage}}},
		{ID: KeyPingInterval, Label: "Ping Interval (ms)", Type: protocol.FieldTypeNumber, Min: &zero,
			Help: "0 disables the heartbeat."},
		{ID: KeyPongTimeout, Label: "Pong Timeout (ms)", Type: protocol.FieldTypeNumber, Min: &zero},
		{ID: KeyAutoReconnect, Label: "Reconnect automatically", Type: protocol.FieldTypeBoolean},
		{ID: KeyMaxReconnectAttempts, Label: "Max Reconnect Attempts", Type: protocol.FieldTypeNumber, Min: &zero,
			Help: "0 retries forever."},
	}
	return &Module{BaseModule: protocol.NewBaseModule(meta, caps, required, optional, opts)}
}

// configFromCredentials maps the credential bag onto a connection config.
func configFromCredentials(creds protocol.Credentials) ConnConfig {
	cfg := ConnConfig{
		URL:                 creds.Str(KeyURL),
		AuthMethod:          creds.Str(KeyAuthMethod),
		Token:               creds.Str(KeyToken),
		QueryParam:          creds.Str(KeyQueryParam),
		AuthMessageTemplate: creds.Str(KeyAuthMessageTemplate),
		AutoReconnect:       creds.Bool(KeyAutoReconnect),
	}
	if raw := creds.Str(KeySubprotocols); raw != "" {
		for _, proto := range strings.Split(raw, ",") {
			if proto = strings.TrimSpace(proto); proto != "" {
				cfg.Subprotocols = append(cfg.Subprotocols, proto)
			}
		}
	}
	if ms, ok := creds.Int64(KeyPingInterval); ok {
		cfg.PingInterval = time.Duration(ms) * time.Millisecond
	} else {
		cfg.PingInterval = DefaultPingInterval
	}
	if ms, ok := creds.Int64(KeyPongTimeout); ok && ms > 0 {
		cfg.PongTimeout = time.Duration(ms) * time.Millisecond
	}
	if attempts, ok := creds.Int64(KeyMaxReconnectAttempts); ok && attempts > 0 {
		cfg.MaxReconnectAttempts = int(attempts)
	}
	return cfg
}

// Authenticate is single-step: validate the configuration, open the
// connection, and complete once the link is authenticated. Any previous
// connection on this instance is replaced.
func (m *Module) Authenticate(ctx context.Context, creds protocol.Credentials, _ int) protocol.AuthFlowStep {
	if validation := m.ValidateCredentials(creds); !validation.Valid {
		return protocol.ErrorStep(1, 1, "Invalid configuration", protocol.ValidationSummary(validation))
	}
	if m.conn != nil {
		m.conn.Disconnect()
	}
	m.conn = NewConn(configFromCredentials(creds))
	if err := m.conn.Connect(ctx); err != nil {
		return protocol.ErrorStep(1, 1, "Connection failed", err.Error())
	}
	return protocol.AuthFlowStep{
		Step:        1,
		TotalSteps:  1,
		Type:        protocol.StepComplete,
		Title:       "Connected",
		Description: "WebSocket connection established.",
		Data:        map[string]any{"state": string(m.conn.State())},
	}
}

// Conn exposes the live connection to streaming callers, or nil before
// Authenticate succeeds.
func (m *Module) Conn() *Conn { return m.conn }

// Send queues or delivers one message on the managed connection.
func (m *Module) Send(payload []byte) error {
	if m.conn == nil {
		return fmt.Errorf("wsproto: not connected, authenticate first")
	}
	return m.conn.Send(payload)
}

// Disconnect tears down the managed connection.
func (m *Module) Disconnect() {
	if m.conn != nil {
		m.conn.Disconnect()
	}
}

// ExecuteRequest adapts the generic execution contract to the streaming
// transport: the body is sent as one text frame. Delivery is fire-and-forget;
// responses arrive through the connection's message handler.
func (m *Module) ExecuteRequest(_ context.Context, execCtx protocol.ExecutionContext) protocol.ExecutionResult {
	start := time.Now()
	if m.conn == nil {
		return protocol.ExecutionResult{
			Error:     "websocket connection not established",
			ErrorCode: protocol.ErrCodeConfiguration,
			Duration:  time.Since(start),
		}
	}
	if err := m.conn.Send(execCtx.Body); err != nil {
		return protocol.ExecutionResult{
			Error:     err.Error(),
			ErrorCode: protocol.ErrCodeNetwork,
			Duration:  time.Since(start),
		}
	}
	return protocol.ExecutionResult{Success: true, Duration: time.Since(start)}
}

// HealthCheck reports the live connection state.
func (m *Module) HealthCheck(_ context.Context, _ protocol.Credentials) protocol.HealthCheckResult {
	now := time.Now()
	if m.conn == nil {
		return protocol.HealthCheckResult{Healthy: false, Message: "not connected", CheckedAt: now}
	}
	state := m.conn.State()
	return protocol.HealthCheckResult{
		Healthy:   state == StateAuthenticated,
		Message:   string(state),
		CheckedAt: now,
	}
}
