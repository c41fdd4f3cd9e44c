// Package graphql implements the GraphQL protocol module. Authentication is
// single-step (optionally probing the endpoint with an introspection query)
// and execution follows the GraphQL-over-HTTP convention: transport-level
// failures become a synthetic error entry, while GraphQL-level errors ride
// back on HTTP 200 in the errors array.
package graphql

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/apirelay/apirelay/internal/protocol"
)

// Type is the protocol identifier of the GraphQL module.
const Type = "graphql"

// Credential keys. Field ids and credential keys are the same strings.
const (
	KeyEndpoint            = "endpoint"
	KeyAuthMethod          = "authMethod"
	KeyToken               = "token"
	KeyAPIKey              = "apiKey"
	KeyUsername            = "username"
	KeyPassword            = "password"
	KeyHeaderName          = "headerName"
	KeyHeaderValue         = "headerValue"
	KeyEnableIntrospection = "enableIntrospection"
)

// Supported authentication methods.
const (
	AuthBearer       = "bearer"
	AuthAPIKey       = "api-key"
	AuthBasic        = "basic"
	AuthCustomHeader = "custom-header"
	AuthNone         = "none"
)

// introspectionQuery is the probe issued during authentication and schema
// loading. Kept minimal: the module needs type names, not the full schema
// document.
const introspectionQuery = `query IntrospectionQuery { __schema { queryType { name } mutationType { name } types { name kind } } }`

func init() {
	protocol.Register(Type, func(opts protocol.Options) protocol.Module {
		return NewModule(opts)
	})
}

// Request is one GraphQL operation.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// ResponseError is one entry of the GraphQL errors array.
type ResponseError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Response is the classified outcome of one GraphQL call. Success follows
// the partial-success policy: a request succeeded when data is present and
// non-null, even alongside errors.
type Response struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"status_code"`
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     []ResponseError `json:"errors,omitempty"`
	Duration   time.Duration   `json:"duration_ms"`
}

// Module is the GraphQL protocol module.
type Module struct {
	*protocol.BaseModule

	// schema caches the raw introspection result for later field listing.
	// Invalidated only by re-calling Introspect.
	schema json.RawMessage
}

// NewModule constructs the GraphQL protocol module.
func NewModule(opts protocol.Options) *Module {
	meta := protocol.Metadata{
		Type:             Type,
		DisplayName:      "GraphQL",
		Description:      "Single-endpoint GraphQL API with configurable header authentication.",
		Version:          "1.0.0",
		DocumentationURL: "https://graphql.org/learn/serving-over-http/",
	}
	caps := protocol.Capabilities{SupportsIntrospection: true}
	required := []protocol.FieldDefinition{
		{ID: KeyEndpoint, Label: "GraphQL Endpoint", Type: protocol.FieldTypeURL, Required: true, Pattern: `^https?://`},
		{ID: KeyAuthMethod, Label: "Authentication", Type: protocol.FieldTypeSelect, Required: true,
			Options: []protocol.FieldOption{
				{Value: AuthBearer, Label: "Bearer token"},
				{Value: AuthAPIKey, Label: "API key header"},
				{Value: AuthBasic, Label: "HTTP Basic"},
				{Value: AuthCustomHeader, Label: "Custom header"},
				{Value: AuthNone, Label: "None"},
			}},
	}
	optional := []protocol.FieldDefinition{
		{ID: KeyToken, Label: "Token", Type: protocol.FieldTypePassword, Required: true,
			VisibleWhen: &protocol.VisibleWhen{Field: KeyAuthMethod, Equals: []string{AuthBearer}}},
		{ID: KeyAPIKey, Label: "API Key", Type: protocol.FieldTypePassword, Required: true,
			VisibleWhen: &protocol.VisibleWhen{Field: KeyAuthMethod, Equals: []string{AuthAPIKey}}},
		{ID: KeyUsername, Label: "Username", Type: protocol.FieldTypeText, Required: true,
			VisibleWhen: &protocol.VisibleWhen{Field: KeyAuthMethod, Equals: []string{AuthBasic}}},
		{ID: KeyPassword, Label: "Password", Type: protocol.FieldTypePassword, Required: true,
			VisibleWhen: &protocol.VisibleWhen{Field: KeyAuthMethod, Equals: []string{AuthBasic}}},
		{ID: KeyHeaderName, Label: "Header Name", Type: protocol.FieldTypeText, Required: true,
			VisibleWhen: &protocol.VisibleWhen{Field: KeyAuthMethod, Equals: []string{AuthCustomHeader}}},
		{ID: KeyHeaderValue, Label: "Header Value", Type: protocol.FieldTypePassword, Required: true,
			VisibleWhen: &protocol.VisibleWhen{Field: KeyAuthMethod, Equals: []string{AuthCustomHeader}}},
		{ID: KeyEnableIntrospection, Label: "Verify schema on connect", Type: protocol.FieldTypeBoolean},
	}
	return &Module{BaseModule: protocol.NewBaseModule(meta, caps, required, optional, opts)}
}

// Authenticate is single-step: validate fields, and when introspection is
// enabled issue one probe query. Introspection-disabled responses are
// tolerated; any other error is fatal.
func (m *Module) Authenticate(ctx context.Context, creds protocol.Credentials, _ int) protocol.AuthFlowStep {
	if validation := m.ValidateCredentials(creds); !validation.Valid {
		return protocol.ErrorStep(1, 1, "Invalid configuration", protocol.ValidationSummary(validation))
	}
	if creds.Bool(KeyEnableIntrospection) {
		if err := m.probe(ctx, creds); err != nil {
			return protocol.ErrorStep(1, 1, "Endpoint verification failed", err.Error())
		}
	}
	return protocol.AuthFlowStep{
		Step:        1,
		TotalSteps:  1,
		Type:        protocol.StepComplete,
		Title:       "Connected",
		Description: "GraphQL endpoint accepted the configuration.",
	}
}

func (m *Module) probe(ctx context.Context, creds protocol.Credentials) error {
	resp := m.Execute(ctx, creds, Request{Query: introspectionQuery, OperationName: "IntrospectionQuery"})
	if resp.Success {
		m.schema = resp.Data
		return nil
	}
	for _, respErr := range resp.Errors {
		// Providers that disable introspection still prove the endpoint
		// speaks GraphQL; treat only non-introspection errors as fatal.
		if strings.Contains(strings.ToLower(respErr.Message), "introspection") {
			return nil
		}
	}
	if len(resp.Errors) > 0 {
		return fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}
	return fmt.Errorf("graphql: endpoint returned status %d", resp.StatusCode)
}

// Introspect re-runs the introspection query and replaces the cached schema.
func (m *Module) Introspect(ctx context.Context, creds protocol.Credentials) (json.RawMessage, error) {
	resp := m.Execute(ctx, creds, Request{Query: introspectionQuery, OperationName: "IntrospectionQuery"})
	if !resp.Success {
		if len(resp.Errors) > 0 {
			return nil, fmt.Errorf("graphql: introspection failed: %s", resp.Errors[0].Message)
		}
		return nil, fmt.Errorf("graphql: introspection failed with status %d", resp.StatusCode)
	}
	m.schema = resp.Data
	return m.schema, nil
}

// Schema returns the cached introspection result, if any.
func (m *Module) Schema() json.RawMessage { return m.schema }

// TypeNames lists the type names from the cached schema.
func (m *Module) TypeNames() []string {
	if m.schema == nil {
		return nil
	}
	var names []string
	gjson.GetBytes(m.schema, "__schema.types.#.name").ForEach(func(_, value gjson.Result) bool {
		if name := value.String(); name != "" {
			names = append(names, name)
		}
		return true
	})
	return names
}

// InjectAuthentication maps the configured auth method onto its header.
func (m *Module) InjectAuthentication(execCtx *protocol.ExecutionContext) (protocol.Injection, error) {
	headers, err := authHeaders(execCtx.Credentials)
	if err != nil {
		return protocol.Injection{}, err
	}
	return protocol.Injection{Headers: headers}, nil
}

func authHeaders(creds protocol.Credentials) (map[string]string, error) {
	switch method := creds.Str(KeyAuthMethod); method {
	case AuthBearer:
		token := creds.Str(KeyToken)
		if token == "" {
			return nil, fmt.Errorf("graphql: bearer auth requires a token")
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	case AuthAPIKey:
		key := creds.Str(KeyAPIKey)
		if key == "" {
			return nil, fmt.Errorf("graphql: api-key auth requires an api key")
		}
		return map[string]string{"X-API-Key": key}, nil
	case AuthBasic:
		user := creds.Str(KeyUsername)
		pass := creds.Str(KeyPassword)
		if user == "" {
			return nil, fmt.Errorf("graphql: basic auth requires a username")
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		return map[string]string{"Authorization": "Basic " + encoded}, nil
	case AuthCustomHeader:
		name := creds.Str(KeyHeaderName)
		if name == "" {
			return nil, fmt.Errorf("graphql: custom-header auth requires a header name")
		}
		return map[string]string{name: creds.Str(KeyHeaderValue)}, nil
	case AuthNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("graphql: unsupported auth method %q", method)
	}
}

// Execute runs one GraphQL operation. Transport failures surface as a
// synthetic errors[0] with extensions.code NETWORK_ERROR.
func (m *Module) Execute(ctx context.Context, creds protocol.Credentials, req Request) Response {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return Response{
			Errors:   []ResponseError{{Message: fmt.Sprintf("failed to encode request: %v", err), Extensions: map[string]any{"code": protocol.ErrCodeParse}}},
			Duration: time.Since(start),
		}
	}
	headers, err := authHeaders(creds)
	if err != nil {
		return Response{
			Errors:   []ResponseError{{Message: err.Error(), Extensions: map[string]any{"code": protocol.ErrCodeConfiguration}}},
			Duration: time.Since(start),
		}
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	headers["Accept"] = "application/json"

	result := m.Do(ctx, protocol.ExecutionContext{
		Method: "POST",
		URL:    creds.Str(KeyEndpoint),
		Body:   body,
	}, protocol.Injection{Headers: headers})

	if result.StatusCode == 0 {
		return Response{
			Errors:   []ResponseError{{Message: result.Error, Extensions: map[string]any{"code": protocol.ErrCodeNetwork}}},
			Duration: time.Since(start),
		}
	}
	return classify(result.StatusCode, result.Body, time.Since(start))
}

// classify applies the partial-success policy to a GraphQL response body.
func classify(status int, body []byte, elapsed time.Duration) Response {
	resp := Response{StatusCode: status, Duration: elapsed}

	parsed := gjson.ParseBytes(body)
	if data := parsed.Get("data"); data.Exists() && data.Type != gjson.Null {
		resp.Data = json.RawMessage(data.Raw)
		resp.Success = true
	}
	if errs := parsed.Get("errors"); errs.IsArray() {
		raw := bytes.TrimSpace([]byte(errs.Raw))
		if err := json.Unmarshal(raw, &resp.Errors); err != nil {
			resp.Errors = []ResponseError{{Message: "unparseable errors array", Extensions: map[string]any{"code": protocol.ErrCodeParse}}}
		}
	}
	if !resp.Success && len(resp.Errors) == 0 {
		resp.Errors = []ResponseError{{
			Message:    fmt.Sprintf("endpoint returned status %d without data", status),
			Extensions: map[string]any{"code": protocol.ErrCodeProtocol},
		}}
	}
	return resp
}

// ExecuteRequest adapts the generic execution contract: the context body is
// the GraphQL request document.
func (m *Module) ExecuteRequest(ctx context.Context, execCtx protocol.ExecutionContext) protocol.ExecutionResult {
	var req Request
	if len(execCtx.Body) > 0 {
		if err := json.Unmarshal(execCtx.Body, &req); err != nil {
			return protocol.ExecutionResult{Error: fmt.Sprintf("invalid graphql request body: %v", err), ErrorCode: protocol.ErrCodeParse}
		}
	}
	resp := m.Execute(ctx, execCtx.Credentials, req)

	encoded, err := json.Marshal(resp)
	if err != nil {
		return protocol.ExecutionResult{Error: err.Error(), ErrorCode: protocol.ErrCodeParse}
	}
	result := protocol.ExecutionResult{
		Success:    resp.Success,
		StatusCode: resp.StatusCode,
		Body:       encoded,
		Duration:   resp.Duration,
	}
	if !resp.Success {
		result.ErrorCode = protocol.ErrCodeProtocol
		if len(resp.Errors) > 0 {
			result.Error = resp.Errors[0].Message
			if code, ok := resp.Errors[0].Extensions["code"].(string); ok {
				result.ErrorCode = code
			}
		}
	}
	return result
}

// HealthCheck issues a minimal typename query against the endpoint.
func (m *Module) HealthCheck(ctx context.Context, creds protocol.Credentials) protocol.HealthCheckResult {
	start := time.Now()
	resp := m.Execute(ctx, creds, Request{Query: "{ __typename }"})
	checked := protocol.HealthCheckResult{CheckedAt: time.Now(), Latency: time.Since(start)}
	checked.Healthy = resp.Success
	if !resp.Success && len(resp.Errors) > 0 {
		checked.Message = resp.Errors[0].Message
	}
	return checked
}
