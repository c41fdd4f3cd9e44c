package oauth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/apirelay/apirelay/internal/pkce"
	"github.com/apirelay/apirelay/internal/protocol"
)

// TypePKCE is the protocol identifier of the public-client OAuth module.
const TypePKCE = "oauth2-pkce"

func init() {
	protocol.Register(TypePKCE, func(opts protocol.Options) protocol.Module {
		return NewPKCEModule(opts)
	})
}

// PKCEModule implements the OAuth2 authorization-code flow with PKCE for
// public clients that cannot hold a static secret. The code verifier is
// generated fresh per authentication attempt and only its derived challenge
// is transmitted in the authorization request.
type PKCEModule struct {
	core
}

// NewPKCEModule constructs the PKCE protocol module.
func NewPKCEModule(opts protocol.Options) *PKCEModule {
	meta := protocol.Metadata{
		Type:             TypePKCE,
		DisplayName:      "OAuth 2.0 (PKCE)",
		Description:      "Authorization-code flow with Proof Key for Code Exchange for public clients.",
		Version:          "1.0.0",
		DocumentationURL: "https://datatracker.ietf.org/doc/html/rfc7636",
	}
	caps := protocol.Capabilities{
		SupportsRefresh:       true,
		SupportsRevocation:    true,
		SupportsIntrospection: true,
		SupportsUserAuth:      true,
	}
	required := []protocol.FieldDefinition{
		{ID: KeyClientID, Label: "Client ID", Type: protocol.FieldTypeText, Required: true, MinLength: 1},
		{ID: KeyAuthorizationURL, Label: "Authorization URL", Type: protocol.FieldTypeURL, Required: true, Pattern: `^https?://`},
		{ID: KeyTokenURL, Label: "Token URL", Type: protocol.FieldTypeURL, Required: true, Pattern: `^https?://`},
		{ID: KeyRedirectURI, Label: "Redirect URI", Type: protocol.FieldTypeURL, Required: true, Pattern: `^https?://`},
	}
	optional := []protocol.FieldDefinition{
		{ID: KeyScopes, Label: "Scopes", Type: protocol.FieldTypeText, Help: "Space separated scope list."},
		{ID: KeyAudience, Label: "Audience", Type: protocol.FieldTypeText},
		{ID: KeyRevocationURL, Label: "Revocation URL", Type: protocol.FieldTypeURL, Pattern: `^https?://`},
		{ID: KeyIntrospectionURL, Label: "Introspection URL", Type: protocol.FieldTypeURL, Pattern: `^https?://`},
	}
	return &PKCEModule{core: core{BaseModule: protocol.NewBaseModule(meta, caps, required, optional, opts)}}
}

// Authenticate advances the three-step machine. Step 1 validates the
// configuration, generates fresh PKCE material, and returns the redirect
// step with the fully built authorization URL. Step 2 reports that the flow
// is waiting for the provider callback. Step 3 completes once an access
// token is present.
func (m *PKCEModule) Authenticate(_ context.Context, creds protocol.Credentials, step int) protocol.AuthFlowStep {
	switch {
	case step <= 1:
		return m.startFlow(creds)
	case step == 2:
		return awaitCallbackStep()
	default:
		return completionStep(creds)
	}
}

func (m *PKCEModule) startFlow(creds protocol.Credentials) protocol.AuthFlowStep {
	if validation := m.ValidateCredentials(creds); !validation.Valid {
		return protocol.ErrorStep(1, totalFlowSteps, "Invalid configuration", protocol.ValidationSummary(validation))
	}
	codes, err := pkce.GenerateCodes()
	if err != nil {
		return protocol.ErrorStep(1, totalFlowSteps, "PKCE generation failed", err.Error())
	}
	state, err := pkce.GenerateState(map[string]any{"protocol": TypePKCE})
	if err != nil {
		return protocol.ErrorStep(1, totalFlowSteps, "State generation failed", err.Error())
	}

	// Overwrites any in-progress flow; callers must not interleave flows on
	// one instance.
	m.flow = &flowState{
		codeVerifier: codes.CodeVerifier,
		state:        state,
		redirectURI:  creds.Str(KeyRedirectURI),
		scopes:       creds.Str(KeyScopes),
		createdAt:    time.Now(),
	}

	authURL := m.authorizationURL(creds, state, url.Values{
		"code_challenge":        {codes.CodeChallenge},
		"code_challenge_method": {pkce.ChallengeMethodS256},
	})
	return protocol.AuthFlowStep{
		Step:        1,
		TotalSteps:  totalFlowSteps,
		Type:        protocol.StepRedirect,
		Title:       "Authorize access",
		Description: "Open the authorization URL and grant access.",
		Data:        map[string]any{"authorizationUrl": authURL, "state": state},
	}
}

// HandleCallback validates the provider redirect. State validation delegates
// to the PKCE utility for the exact-match and age checks.
func (m *PKCEModule) HandleCallback(params CallbackParams) protocol.AuthFlowStep {
	return callbackStep(params, func(received string) error {
		if m.flow == nil {
			return fmt.Errorf("no authorization flow in progress")
		}
		_, err := pkce.ValidateState(received, m.flow.state, pkce.DefaultStateMaxAge)
		return err
	})
}

// ExchangeCode exchanges the authorization code for tokens using the stored
// code verifier. The ephemeral flow state is consumed exactly once.
func (m *PKCEModule) ExchangeCode(ctx context.Context, creds protocol.Credentials, code string) (protocol.Credentials, error) {
	if m.flow == nil || m.flow.codeVerifier == "" {
		return nil, fmt.Errorf("oauth: no pending flow, restart authentication")
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {m.flow.redirectURI},
		"client_id":     {creds.Str(KeyClientID)},
		"code_verifier": {m.flow.codeVerifier},
	}
	delta, err := m.exchange(ctx, creds, form, nil)
	if err != nil {
		return nil, err
	}
	m.flow = nil
	return delta, nil
}

// RefreshTokens refreshes the access token as a public client.
func (m *PKCEModule) RefreshTokens(ctx context.Context, creds protocol.Credentials) protocol.TokenRefreshResult {
	form := url.Values{"client_id": {creds.Str(KeyClientID)}}
	return m.refreshGrant(ctx, creds, form, nil)
}

// RevokeTokens revokes the stored token at the configured revocation endpoint.
func (m *PKCEModule) RevokeTokens(ctx context.Context, creds protocol.Credentials) error {
	return m.revoke(ctx, creds, nil)
}

// IntrospectToken reports whether the stored access token is active.
func (m *PKCEModule) IntrospectToken(ctx context.Context, creds protocol.Credentials) (*protocol.IntrospectionResult, error) {
	return m.introspect(ctx, creds, nil)
}

// InjectAuthentication adds the bearer Authorization header.
func (m *PKCEModule) InjectAuthentication(execCtx *protocol.ExecutionContext) (protocol.Injection, error) {
	return bearerInjection(execCtx.Credentials)
}

// ExecuteRequest applies the refresh-once-then-retry-on-401 policy.
func (m *PKCEModule) ExecuteRequest(ctx context.Context, execCtx protocol.ExecutionContext) protocol.ExecutionResult {
	return m.executeWithRefresh(ctx, execCtx, m.RefreshTokens)
}

// HealthCheck probes the introspection endpoint when one is configured and
// otherwise falls back to the stored expiry.
func (m *PKCEModule) HealthCheck(ctx context.Context, creds protocol.Credentials) protocol.HealthCheckResult {
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
