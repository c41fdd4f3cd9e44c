package protocol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRequestTimeout bounds module HTTP calls when the caller does not
// supply its own timeout.
const DefaultRequestTimeout = 30 * time.Second

// TokenExpiryBuffer is subtracted from the provider expiry before the
// comparison so requests never race the actual expiration.
const TokenExpiryBuffer = 60 * time.Second

// Module is the single polymorphic surface every protocol satisfies.
// Metadata, capability, and field accessors are pure. Validation and
// transport failures are reported through result values, never panics.
type Module interface {
	Metadata() Metadata
	Capabilities() Capabilities
	RequiredFields() []FieldDefinition
	OptionalFields() []FieldDefinition
	AllFields() []FieldDefinition

	ValidateCredentials(creds Credentials) ValidationResult

	// Authenticate advances the per-protocol authentication state machine.
	// step carries the caller-persisted position; 0 starts a new flow.
	Authenticate(ctx context.Context, creds Credentials, step int) AuthFlowStep

	// InjectAuthentication is a pure transform producing the headers, query
	// parameters, and optional body the protocol adds to a request.
	InjectAuthentication(execCtx *ExecutionContext) (Injection, error)

	// ExecuteRequest performs one authenticated HTTP call.
	ExecuteRequest(ctx context.Context, execCtx ExecutionContext) ExecutionResult

	RefreshTokens(ctx context.Context, creds Credentials) TokenRefreshResult
	RevokeTokens(ctx context.Context, creds Credentials) error
	IntrospectToken(ctx context.Context, creds Credentials) (*IntrospectionResult, error)
	IsTokenExpired(creds Credentials) bool
	TokenExpirationTime(creds Credentials) (time.Time, bool)

	HealthCheck(ctx context.Context, creds Credentials) HealthCheckResult
}

// Options carries the construction knobs shared by all modules.
type Options struct {
	// HTTPClient overrides the transport used for outbound calls. A nil
	// client falls back to a fresh http.Client.
	HTTPClient *http.Client
	// Timeout overrides DefaultRequestTimeout for module HTTP calls.
	Timeout time.Duration
}

// BaseModule supplies the default contract behavior. Concrete modules embed
// it and override the operations their protocol needs.
type BaseModule struct {
	meta     Metadata
	caps     Capabilities
	required []FieldDefinition
	optional []FieldDefinition

	httpClient *http.Client
	timeout    time.Duration
}

// NewBaseModule builds the shared module core from static descriptors.
func NewBaseModule(meta Metadata, caps Capabilities, required, optional []FieldDefinition, opts Options) *BaseModule {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &BaseModule{
		meta:       meta,
		caps:       caps,
		required:   required,
		optional:   optional,
		httpClient: client,
		timeout:    timeout,
	}
}

func (b *BaseModule) Metadata() Metadata         { return b.meta }
func (b *BaseModule) Capabilities() Capabilities { return b.caps }

func (b *BaseModule) RequiredFields() []FieldDefinition { return b.required }
func (b *BaseModule) OptionalFields() []FieldDefinition { return b.optional }

// AllFields returns required fields followed by optional ones.
func (b *BaseModule) AllFields() []FieldDefinition {
	all := make([]FieldDefinition, 0, len(b.required)+len(b.optional))
	all = append(all, b.required...)
	all = append(all, b.optional...)
	return all
}

// HTTPClient exposes the transport to embedding modules.
func (b *BaseModule) HTTPClient() *http.Client { return b.httpClient }

// Timeout exposes the default request timeout to embedding modules.
func (b *BaseModule) Timeout() time.Duration { return b.timeout }

// ValidateCredentials flags missing required values and applies the
// pattern/min/max constraints of every declared field that carries a value.
// Fields hidden by their visibility condition are skipped. No network calls
// are performed.
func (b *BaseModule) ValidateCredentials(creds Credentials) ValidationResult {
	result := ValidationResult{Valid: true, FieldErrors: map[string]string{}}
	for _, field := range b.AllFields() {
		if !fieldVisible(field, creds) {
			continue
		}
		raw, present := creds[field.ID]
		value := strings.TrimSpace(fmt.Sprintf("%v", raw))
		if !present || raw == nil || value == "" {
			if field.Required {
				result.FieldErrors[field.ID] = fmt.Sprintf("%s is required", field.Label)
			}
			continue
		}
		if msg := validateFieldValue(field, value); msg != "" {
			result.FieldErrors[field.ID] = msg
		}
	}
	if len(result.FieldErrors) > 0 {
		result.Valid = false
	} else {
		result.FieldErrors = nil
	}
	return result
}

func fieldVisible(field FieldDefinition, creds Credentials) bool {
	if field.VisibleWhen == nil {
		return true
	}
	current := creds.Str(field.VisibleWhen.Field)
	for _, want := range field.VisibleWhen.Equals {
		if current == want {
			return true
		}
	}
	return false
}

func validateFieldValue(field FieldDefinition, value string) string {
	if field.Pattern != "" {
		re, err := regexp.Compile(field.Pattern)
		if err != nil {
			log.Warnf("protocol: invalid validation pattern for field %s: %v", field.ID, err)
		} else if !re.MatchString(value) {
			return fmt.Sprintf("%s has an invalid format", field.Label)
		}
	}
	if field.Type == FieldTypeNumber {
		num, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Sprintf("%s must be a number", field.Label)
		}
		if field.Min != nil && num < *field.Min {
			return fmt.Sprintf("%s must be at least %v", field.Label, *field.Min)
		}
		if field.Max != nil && num > *field.Max {
			return fmt.Sprintf("%s must be at most %v", field.Label, *field.Max)
		}
		return ""
	}
	if field.MinLength > 0 && len(value) < field.MinLength {
		return fmt.Sprintf("%s must be at least %d characters", field.Label, field.MinLength)
	}
	if field.MaxLength > 0 && len(value) > field.MaxLength {
		return fmt.Sprintf("%s must be at most %d characters", field.Label, field.MaxLength)
	}
	return ""
}

// Authenticate is the single-step default: credentials either validate and
// the module is immediately usable, or an error step is returned.
func (b *BaseModule) Authenticate(_ context.Context, creds Credentials, _ int) AuthFlowStep {
	if validation := b.ValidateCredentials(creds); !validation.Valid {
		return ErrorStep(1, 1, "Invalid configuration", ValidationSummary(validation))
	}
	return AuthFlowStep{
		Step:        1,
		TotalSteps:  1,
		Type:        StepComplete,
		Title:       "Authenticated",
		Description: "Credentials accepted.",
	}
}

// InjectAuthentication defaults to no injection.
func (b *BaseModule) InjectAuthentication(_ *ExecutionContext) (Injection, error) {
	return Injection{}, nil
}

// ExecuteRequest is the default executor: inject, perform one HTTP request,
// classify 2xx as success.
func (b *BaseModule) ExecuteRequest(ctx context.Context, execCtx ExecutionContext) ExecutionResult {
	inj, err := b.InjectAuthentication(&execCtx)
	if err != nil {
		return ExecutionResult{Error: err.Error(), ErrorCode: ErrCodeConfiguration}
	}
	return b.Do(ctx, execCtx, inj)
}

// Do merges the injection into the request, performs exactly one HTTP call,
// and converts any transport failure into a failed result with status 0.
func (b *BaseModule) Do(ctx context.Context, execCtx ExecutionContext, inj Injection) ExecutionResult {
	start := time.Now()

	method := execCtx.Method
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(execCtx.URL)
	if err != nil || target.Scheme == "" {
		return ExecutionResult{
			Error:     fmt.Sprintf("invalid request URL %q", execCtx.URL),
			ErrorCode: ErrCodeConfiguration,
			Duration:  time.Since(start),
		}
	}
	query := target.Query()
	for k, v := range execCtx.Query {
		query.Set(k, v)
	}
	for k, v := range inj.Query {
		query.Set(k, v)
	}
	target.RawQuery = query.Encode()

	body := execCtx.Body
	if inj.Body != nil {
		body = inj.Body
	}

	timeout := execCtx.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), strings.NewReader(string(body)))
	if err != nil {
		return ExecutionResult{
			Error:     fmt.Sprintf("failed to build request: %v", err),
			ErrorCode: ErrCodeConfiguration,
			Duration:  time.Since(start),
		}
	}
	for k, v := range execCtx.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range inj.Headers {
		req.Header.Set(k, v)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return ExecutionResult{
			StatusCode: 0,
			Error:      err.Error(),
			ErrorCode:  ErrCodeNetwork,
			Duration:   time.Since(start),
		}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("protocol: failed to close response body: %v", errClose)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExecutionResult{
			StatusCode: resp.StatusCode,
			Error:      fmt.Sprintf("failed to read response body: %v", err),
			ErrorCode:  ErrCodeNetwork,
			Duration:   time.Since(start),
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	result := ExecutionResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       respBody,
		Duration:   time.Since(start),
	}
	if !result.Success {
		result.Error = fmt.Sprintf("request failed with status %d", resp.StatusCode)
		result.ErrorCode = ErrCodeProtocol
	}
	return result
}

// RefreshTokens defaults to unsupported.
func (b *BaseModule) RefreshTokens(_ context.Context, _ Credentials) TokenRefreshResult {
	return TokenRefreshResult{Success: false, Error: ErrNotSupported.Error()}
}

// RevokeTokens defaults to unsupported.
func (b *BaseModule) RevokeTokens(_ context.Context, _ Credentials) error {
	return ErrNotSupported
}

// IntrospectToken defaults to unsupported.
func (b *BaseModule) IntrospectToken(_ context.Context, _ Credentials) (*IntrospectionResult, error) {
	return nil, ErrNotSupported
}

// IsTokenExpired reports expiry from the standard expiresAt credential when
// present; modules without token lifecycles never report expired.
func (b *BaseModule) IsTokenExpired(creds Credentials) bool {
	return TokenExpired(creds)
}

// TokenExpirationTime returns the provider expiry from the standard
// expiresAt credential when present.
func (b *BaseModule) TokenExpirationTime(creds Credentials) (time.Time, bool) {
	return TokenExpiration(creds)
}

// HealthCheck defaults to reporting expiry of the stored token; modules may
// probe a live endpoint for stronger evidence.
func (b *BaseModule) HealthCheck(_ context.Context, creds Credentials) HealthCheckResult {
	now := time.Now()
	if TokenExpired(creds) {
		return HealthCheckResult{Healthy: false, Message: "token expired", CheckedAt: now}
	}
	return HealthCheckResult{Healthy: true, CheckedAt: now}
}

// nowFn is the expiry clock; tests swap it to pin the buffer boundary.
var nowFn = time.Now

// TokenExpired reports whether the expiresAt credential (Unix seconds) lies
// within the safety buffer: now > expiresAt - 60s. Exactly at the buffer
// boundary is not expired. Credentials without expiresAt never expire.
func TokenExpired(creds Credentials) bool {
	exp, ok := creds.Int64("expiresAt")
	if !ok || exp <= 0 {
		return false
	}
	return nowFn().UnixMilli() > exp*1000-TokenExpiryBuffer.Milliseconds()
}

// TokenExpiration returns the raw provider expiry without the buffer.
func TokenExpiration(creds Credentials) (time.Time, bool) {
	exp, ok := creds.Int64("expiresAt")
	if !ok || exp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(exp, 0), true
}

// ErrorStep builds an error-typed flow step.
func ErrorStep(step, total int, title, message string) AuthFlowStep {
	return AuthFlowStep{
		Step:        step,
		TotalSteps:  total,
		Type:        StepError,
		Title:       title,
		Description: message,
		Error:       message,
	}
}

// CodedErrorStep builds an error-typed flow step tagged with a code from the
// error taxonomy.
func CodedErrorStep(step, total int, code, title, message string) AuthFlowStep {
	errStep := ErrorStep(step, total, title, message)
	errStep.ErrorCode = code
	return errStep
}

// ValidationSummary flattens a failed validation into one human readable
// line, field errors first in field-id order.
func ValidationSummary(v ValidationResult) string {
	parts := make([]string, 0, len(v.FieldErrors)+len(v.GeneralErrors))
	for _, field := range sortedKeys(v.FieldErrors) {
		parts = append(parts, v.FieldErrors[field])
	}
	parts = append(parts, v.GeneralErrors...)
	if len(parts) == 0 {
		return "credential validation failed"
	}
	return strings.Join(parts, "; ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
