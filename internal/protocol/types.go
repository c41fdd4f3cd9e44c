// Package protocol defines the shared contract every protocol module
// satisfies: the metadata and field model consumed by configuration
// surfaces, the credential bag exchanged with callers, the step-based
// authentication flow record, and the execution context/result pair used
// for authenticated requests. The rest of the application routes through
// this package and never needs protocol-specific code.
package protocol

import (
	"strconv"
	"time"
)

// Metadata is the static descriptor for a protocol module. It is created
// once per module instance and never mutated.
type Metadata struct {
	// Type is the protocol identifier used for routing (e.g. "oauth2-pkce").
	Type string `json:"type"`
	// DisplayName is a human readable name for configuration screens.
	DisplayName string `json:"display_name"`
	// Description summarises what the protocol connects to.
	Description string `json:"description"`
	// Version is the module implementation version.
	Version string `json:"version"`
	// DocumentationURL points at the upstream protocol documentation.
	DocumentationURL string `json:"documentation_url,omitempty"`
}

// Capabilities flags which optional operations a module supports.
type Capabilities struct {
	// SupportsRefresh reports whether RefreshTokens is implemented.
	SupportsRefresh bool `json:"supports_refresh"`
	// SupportsRevocation reports whether RevokeTokens is implemented.
	SupportsRevocation bool `json:"supports_revocation"`
	// SupportsIntrospection reports whether token introspection is implemented.
	SupportsIntrospection bool `json:"supports_introspection"`
	// SupportsUserAuth reports whether an interactive user authorization
	// flow (browser redirect) is part of authentication.
	SupportsUserAuth bool `json:"supports_user_auth"`
	// Streaming reports whether the module keeps a live connection open.
	Streaming bool `json:"streaming"`
}

// FieldType enumerates the configuration field kinds a module may declare.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypePassword FieldType = "password"
	FieldTypeURL      FieldType = "url"
	FieldTypeNumber   FieldType = "number"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeSelect   FieldType = "select"
	FieldTypeTextarea FieldType = "textarea"
)

// FieldOption is one selectable value for a select field.
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// VisibleWhen gates a field on the current value of another field.
type VisibleWhen struct {
	// Field is the id of the controlling field.
	Field string `json:"field"`
	// Equals lists the controlling values under which this field is shown.
	Equals []string `json:"equals"`
}

// FieldDefinition declares one configuration field a module needs. The
// collection is owned by the module and consumed read-only by callers.
type FieldDefinition struct {
	// ID is the credential key this field populates.
	ID string `json:"id"`
	// Label is the human readable field name.
	Label string `json:"label"`
	// Type selects the input widget and value validation family.
	Type FieldType `json:"type"`
	// Required marks the field as mandatory for validation.
	Required bool `json:"required"`
	// Placeholder is an optional example value.
	Placeholder string `json:"placeholder,omitempty"`
	// Help is an optional explanatory sentence.
	Help string `json:"help,omitempty"`
	// Options lists the permitted values for select fields.
	Options []FieldOption `json:"options,omitempty"`
	// Pattern is an optional regular expression a present value must match.
	Pattern string `json:"pattern,omitempty"`
	// MinLength/MaxLength bound string values when non-zero.
	MinLength int `json:"min_length,omitempty"`
	MaxLength int `json:"max_length,omitempty"`
	// Min/Max bound numeric values when non-nil.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	// VisibleWhen optionally hides the field unless another field holds
	// one of the listed values. Hidden fields are not validated.
	VisibleWhen *VisibleWhen `json:"visible_when,omitempty"`
}

// Credentials is the flat key/value bag of protocol-specific configuration
// and token material. It is owned by the caller; modules read it and return
// deltas, never retaining it. All information needed to refresh, revoke, or
// re-authenticate must be derivable from the bag alone.
type Credentials map[string]any

// Str returns the string value for key, or "" when absent or not a string.
func (c Credentials) Str(key string) string {
	if c == nil {
		return ""
	}
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the boolean value for key, accepting bool and string forms.
func (c Credentials) Bool(key string) bool {
	if c == nil {
		return false
	}
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		parsed, err := strconv.ParseBool(v)
		return err == nil && parsed
	default:
		return false
	}
}

// Int64 returns the integer value for key, accepting the numeric types JSON
// decoding produces as well as numeric strings.
func (c Credentials) Int64(key string) (int64, bool) {
	if c == nil {
		return 0, false
	}
	switch v := c[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy so callers can hand credentials to a module
// without risking mutation of their own map.
func (c Credentials) Clone() Credentials {
	if c == nil {
		return nil
	}
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge applies delta on top of a copy of c and returns the result.
func (c Credentials) Merge(delta Credentials) Credentials {
	out := c.Clone()
	if out == nil {
		out = make(Credentials, len(delta))
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// StepType enumerates the authentication flow step kinds.
type StepType string

const (
	StepRedirect      StepType = "redirect"
	StepInput         StepType = "input"
	StepCallback      StepType = "callback"
	StepTokenExchange StepType = "token-exchange"
	StepComplete      StepType = "complete"
	StepError         StepType = "error"
)

// AuthFlowStep is one snapshot of the authentication state machine. The
// caller persists Step across suspensions such as browser redirects.
type AuthFlowStep struct {
	Step        int            `json:"step"`
	TotalSteps  int            `json:"total_steps"`
	Type        StepType       `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	// Data carries step-specific payload such as the authorization URL or
	// the received authorization code.
	Data map[string]any `json:"data,omitempty"`
	// Error holds the failure description for StepError steps.
	Error string `json:"error,omitempty"`
	// ErrorCode classifies StepError steps with a code from the error
	// taxonomy (e.g. CSRF_ERROR).
	ErrorCode string `json:"error_code,omitempty"`
}

// ValidationResult reports credential validation findings. Validation
// failures are reported, never raised as errors.
type ValidationResult struct {
	Valid         bool              `json:"valid"`
	FieldErrors   map[string]string `json:"field_errors,omitempty"`
	GeneralErrors []string          `json:"general_errors,omitempty"`
	Warnings      []string          `json:"warnings,omitempty"`
}

// Injection is the pure output of InjectAuthentication: the headers, query
// parameters, and optional body override to merge into an outbound request.
type Injection struct {
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

// ExecutionContext is the input of one authenticated HTTP call.
type ExecutionContext struct {
	// Credentials supplies the auth material for injection.
	Credentials Credentials
	// Method is the HTTP method; empty defaults to GET.
	Method string
	// URL is the absolute request URL.
	URL string
	// Headers and Query are caller supplied request parts, merged with the
	// module's injection (injection wins on conflicts).
	Headers map[string]string
	Query   map[string]string
	// Body is the raw request body, if any.
	Body []byte
	// Timeout bounds the request; zero falls back to the module default.
	Timeout time.Duration
}

// ExecutionResult is the outcome of one authenticated HTTP call. Transport
// failures are converted into a failed result with StatusCode 0, never
// propagated as errors.
type ExecutionResult struct {
	Success    bool              `json:"success"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Duration   time.Duration     `json:"duration_ms"`
	// CredentialsRefreshed flags that tokens rotated during execution and
	// UpdatedCredentials must be persisted by the caller.
	CredentialsRefreshed bool        `json:"credentials_refreshed,omitempty"`
	UpdatedCredentials   Credentials `json:"updated_credentials,omitempty"`
}

// TokenRefreshResult is the outcome of a refresh attempt.
type TokenRefreshResult struct {
	Success bool `json:"success"`
	// RequiresReauth signals the refresh token itself is invalid and the
	// full authorization flow must restart. Never retried automatically.
	RequiresReauth     bool        `json:"requires_reauth,omitempty"`
	Error              string      `json:"error,omitempty"`
	UpdatedCredentials Credentials `json:"updated_credentials,omitempty"`
}

// IntrospectionResult mirrors the RFC 7662 introspection response subset
// the modules consume.
type IntrospectionResult struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
	Sub      string `json:"sub,omitempty"`
}

// HealthCheckResult reports whether a credential is currently usable.
type HealthCheckResult struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
}
