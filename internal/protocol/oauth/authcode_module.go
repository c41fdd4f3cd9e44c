package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/apirelay/apirelay/internal/pkce"
	"github.com/apirelay/apirelay/internal/protocol"
)

// TypeAuthCode is the protocol identifier of the confidential-client module.
const TypeAuthCode = "oauth2-auth-code"

// Token endpoint client authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodJWT   = "client_secret_jwt"
)

func init() {
	protocol.Register(TypeAuthCode, func(opts protocol.Options) protocol.Module {
		return NewAuthCodeModule(opts)
	})
}

// AuthCodeModule implements the OAuth2 authorization-code flow for
// confidential clients. The client proves its identity at the token endpoint
// via HTTP Basic credentials, body parameters, or a signed client assertion.
type AuthCodeModule struct {
	core
}

// NewAuthCodeModule constructs the authorization-code protocol module.
func NewAuthCodeModule(opts protocol.Options) *AuthCodeModule {
	meta := protocol.Metadata{
		Type:             TypeAuthCode,
		DisplayName:      "OAuth 2.0 (Authorization Code)",
		Description:      "Authorization-code flow for confidential clients holding a client secret.",
		Version:          "1.0.0",
		DocumentationURL: "https://datatracker.ietf.org/doc/html/rfc6749#section-4.1",
	}
	caps := protocol.Capabilities{
		SupportsRefresh:       true,
		SupportsRevocation:    true,
		SupportsIntrospection: true,
		SupportsUserAuth:      true,
	}
	required := []protocol.FieldDefinition{
		{ID: KeyClientID, Label: "Client ID", Type: protocol.FieldTypeText, Required: true, MinLength: 1},
		{ID: KeyClientSecret, Label: "Client Secret", Type: protocol.FieldTypePassword, Required: true, MinLength: 1},
		{ID: KeyAuthorizationURL, Label: "Authorization URL", Type: protocol.FieldTypeURL, Required: true, Pattern: `^https?://`},
		{ID: KeyTokenURL, Label: "Token URL", Type: protocol.FieldTypeURL, Required: true, Pattern: `^https?://`},
		{ID: KeyRedirectURI, Label: "Redirect URI", Type: protocol.FieldTypeURL, Required: true, Pattern: `^https?://`},
	}
	optional := []protocol.FieldDefinition{
		{ID: KeyScopes, Label: "Scopes", Type: protocol.FieldTypeText, Help: "Space separated scope list."},
		{ID: KeyAudience, Label: "Audience", Type: protocol.FieldTypeText},
		{ID: KeyTokenAuthMethod, Label: "Client Authentication", Type: protocol.FieldTypeSelect,
			Options: []protocol.FieldOption{
				{Value: AuthMethodBasic, Label: "HTTP Basic"},
				{Value: AuthMethodPost, Label: "Body parameters"},
				{Value: AuthMethodJWT, Label: "Signed JWT assertion"},
			}},
		{ID: KeyRevocationURL, Label: "Revocation URL", Type: protocol.FieldTypeURL, Pattern: `^https?://`},
		{ID: KeyIntrospectionURL, Label: "Introspection URL", Type: protocol.FieldTypeURL, Pattern: `^https?://`},
	}
	return &AuthCodeModule{core: core{BaseModule: protocol.NewBaseModule(meta, caps, required, optional, opts)}}
}

// Authenticate advances the shared three-step machine. Unlike the PKCE
// variant only a CSRF state is generated; the client secret carries the
// proof of identity at token exchange time.
func (m *AuthCodeModule) Authenticate(_ context.Context, creds protocol.Credentials, step int) protocol.AuthFlowStep {
	switch {
	case step <= 1:
		return m.startFlow(creds)
	case step == 2:
		return awaitCallbackStep()
	default:
		return completionStep(creds)
	}
}

func (m *AuthCodeModule) startFlow(creds protocol.Credentials) protocol.AuthFlowStep {
	if validation := m.ValidateCredentials(creds); !validation.Valid {
		return protocol.ErrorStep(1, totalFlowSteps, "Invalid configuration", protocol.ValidationSummary(validation))
	}
	state, err := pkce.GenerateState(map[string]any{"protocol": TypeAuthCode})
	if err != nil {
		return protocol.ErrorStep(1, totalFlowSteps, "State generation failed", err.Error())
	}

	m.flow = &flowState{
		state:       state,
		redirectURI: creds.Str(KeyRedirectURI),
		scopes:      creds.Str(KeyScopes),
		createdAt:   time.Now(),
	}

	authURL := m.authorizationURL(creds, state, nil)
	return protocol.AuthFlowStep{
		Step:        1,
		TotalSteps:  totalFlowSteps,
		Type:        protocol.StepRedirect,
		Title:       "Authorize access",
		Description: "Open the authorization URL and grant access.",
		Data:        map[string]any{"authorizationUrl": authURL, "state": state},
	}
}

// HandleCallback validates the provider redirect against the stored state.
func (m *AuthCodeModule) HandleCallback(params CallbackParams) protocol.AuthFlowStep {
	return callbackStep(params, func(received string) error {
		if m.flow == nil {
			return fmt.Errorf("no authorization flow in progress")
		}
		if received == "" || received != m.flow.state {
			return fmt.Errorf("state mismatch, possible CSRF attack")
		}
		if age := time.Since(m.flow.createdAt); age > pkce.DefaultStateMaxAge {
			return fmt.Errorf("state expired after %s", age.Truncate(time.Second))
		}
		return nil
	})
}

// ExchangeCode exchanges the authorization code for tokens using the
// configured client authentication method.
func (m *AuthCodeModule) ExchangeCode(ctx context.Context, creds protocol.Credentials, code string) (protocol.Credentials, error) {
	if m.flow == nil {
		return nil, fmt.Errorf("oauth: no pending flow, restart authentication")
	}
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {m.flow.redirectURI},
	}
	modify, err := m.clientAuth(creds, form)
	if err != nil {
		return nil, err
	}
	delta, err := m.exchange(ctx, creds, form, modify)
	if err != nil {
		return nil, err
	}
	m.flow = nil
	return delta, nil
}

// clientAuth prepares the configured client authentication: either a request
// mutation (Basic header) or form fields (post / jwt assertion).
func (m *AuthCodeModule) clientAuth(creds protocol.Credentials, form url.Values) (func(*http.Request), error) {
	clientID := creds.Str(KeyClientID)
	clientSecret := creds.Str(KeyClientSecret)
	switch method := creds.Str(KeyTokenAuthMethod); method {
	case "", AuthMethodBasic:
		return func(req *http.Request) {
			req.SetBasicAuth(clientID, clientSecret)
		}, nil
	case AuthMethodPost:
		form.Set("client_id", clientID)
		form.Set("client_secret", clientSecret)
		return nil, nil
	case AuthMethodJWT:
		assertion, err := buildClientAssertion(clientID, clientSecret, creds.Str(KeyTokenURL))
		if err != nil {
			return nil, err
		}
		form.Set("client_id", clientID)
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
		return nil, nil
	default:
		return nil, fmt.Errorf("oauth: unsupported client authentication method %q", method)
	}
}

// RefreshTokens refreshes the access token with client authentication.
func (m *AuthCodeModule) RefreshTokens(ctx context.Context, creds protocol.Credentials) protocol.TokenRefreshResult {
	form := url.Values{}
	modify, err := m.clientAuth(creds, form)
	if err != nil {
		return protocol.TokenRefreshResult{Success: false, Error: err.Error()}
	}
	return m.refreshGrant(ctx, creds, form, modify)
}

// RevokeTokens revokes the stored token with client authentication.
func (m *AuthCodeModule) RevokeTokens(ctx context.Context, creds protocol.Credentials) error {
	return m.revoke(ctx, creds, basicAuthModifier(creds))
}

// IntrospectToken reports whether the stored access token is active.
func (m *AuthCodeModule) IntrospectToken(ctx context.Context, creds protocol.Credentials) (*protocol.IntrospectionResult, error) {
	return m.introspect(ctx, creds, basicAuthModifier(creds))
}

// basicAuthModifier authenticates management endpoint calls (revocation,
// introspection) with the client secret over HTTP Basic.
func basicAuthModifier(creds protocol.Credentials) func(*http.Request) {
	clientID := creds.Str(KeyClientID)
	clientSecret := creds.Str(KeyClientSecret)
	if clientID == "" || clientSecret == "" {
		return nil
	}
	return func(req *http.Request) {
		req.SetBasicAuth(clientID, clientSecret)
	}
}

// InjectAuthentication adds the bearer Authorization header.
func (m *AuthCodeModule) InjectAuthentication(execCtx *protocol.ExecutionContext) (protocol.Injection, error) {
	return bearerInjection(execCtx.Credentials)
}

// ExecuteRequest applies the refresh-once-then-retry-on-401 policy.
func (m *AuthCodeModule) ExecuteRequest(ctx context.Context, execCtx protocol.ExecutionContext) protocol.ExecutionResult {
	return m.executeWithRefresh(ctx, execCtx, m.RefreshTokens)
}

// HealthCheck probes the introspection endpoint when configured.
func (m *AuthCodeModule) HealthCheck(ctx context.Context, creds protocol.Credentials) protocol.HealthCheckResult {
	if creds.Str(KeyIntrospectionURL) == "" {
		return m.BaseModule.HealthCheck(ctx, creds)
	}
	start := time.Now()
	result, err := m.IntrospectToken(ctx, creds)
	checked := protocol.HealthCheckResult{CheckedAt: time.Now(), Latency: time.Since(start)}
	if err != nil {
		checked.Message = err.Error()
		return checked
	}
	checked.Healthy = result.Active
	if !result.Active {
		checked.Message = "token is not active"
	}
	return checked
}
