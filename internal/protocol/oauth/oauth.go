// Package oauth implements the OAuth2 protocol modules: the PKCE flow for
// public clients and the authorization-code flow for confidential clients.
// Both share the same three-step authentication state machine and token
// lifecycle handling; they differ in how the client proves its identity at
// the token endpoint.
package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/apirelay/apirelay/internal/protocol"
)

// Credential keys shared by both OAuth modules. Field ids and credential
// keys are the same strings by contract.
const (
	KeyClientID         = "clientId"
	KeyClientSecret     = "clientSecret"
	KeyAuthorizationURL = "authorizationUrl"
	KeyTokenURL         = "tokenUrl"
	KeyRedirectURI      = "redirectUri"
	KeyScopes           = "scopes"
	KeyAudience         = "audience"
	KeyRevocationURL    = "revocationUrl"
	KeyIntrospectionURL = "introspectionUrl"
	KeyTokenAuthMethod  = "tokenAuthMethod"
	KeyAccessToken      = "accessToken"
	KeyRefreshToken     = "refreshToken"
	KeyExpiresAt        = "expiresAt"
	KeyTokenType        = "tokenType"
)

// totalFlowSteps is the length of the shared authentication state machine:
// redirect, callback, complete.
const totalFlowSteps = 3

// flowState is the ephemeral per-flow secret material. It is created when a
// flow starts, consumed exactly once at token exchange, and never survives
// the module instance. A second Authenticate call overwrites it, so callers
// must not run two authorization flows concurrently on one instance.
type flowState struct {
	codeVerifier string
	state        string
	redirectURI  string
	scopes       string
	createdAt    time.Time
}

// core carries the behavior shared by the PKCE and authorization-code
// modules: authorization URL construction, the callback checkpoint, token
// endpoint calls, and the refresh-once-then-retry executor.
type core struct {
	*protocol.BaseModule
	flow *flowState
}

// tokenDelta converts a token endpoint response into the credential delta
// the caller persists. The refresh token is carried over when the provider
// omits it from the response.
func tokenDelta(body []byte, previousRefresh string) protocol.Credentials {
	parsed := gjson.ParseBytes(body)
	delta := protocol.Credentials{
		KeyAccessToken: parsed.Get("access_token").String(),
	}
	if refresh := parsed.Get("refresh_token").String(); refresh != "" {
		delta[KeyRefreshToken] = refresh
	} else if previousRefresh != "" {
		delta[KeyRefreshToken] = previousRefresh
	}
	if tokenType := parsed.Get("token_type").String(); tokenType != "" {
		delta[KeyTokenType] = tokenType
	}
	if expiresIn := parsed.Get("expires_in").Int(); expiresIn > 0 {
		delta[KeyExpiresAt] = time.Now().Unix() + expiresIn
	}
	if scope := parsed.Get("scope").String(); scope != "" {
		delta[KeyScopes] = scope
	}
	return delta
}

// providerError extracts a descriptive message from an OAuth error response
// body, falling back to the HTTP status.
func providerError(status int, body []byte) error {
	parsed := gjson.ParseBytes(body)
	if desc := parsed.Get("error_description").String(); desc != "" {
		return fmt.Errorf("provider returned %d: %s", status, desc)
	}
	if code := parsed.Get("error").String(); code != "" {
		return fmt.Errorf("provider returned %d: %s", status, code)
	}
	return fmt.Errorf("provider returned status %d", status)
}

// postForm issues one application/x-www-form-urlencoded POST to an OAuth
// endpoint. modify may add client authentication to the request.
func (c *core) postForm(ctx context.Context, endpoint string, form url.Values, modify func(*http.Request)) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if modify != nil {
		modify(req)
	}

	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("oauth: failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// authorizationURL builds the provider authorization URL with the standard
// query parameters plus any extras the concrete module supplies.
func (c *core) authorizationURL(creds protocol.Credentials, state string, extra url.Values) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {creds.Str(KeyClientID)},
		"redirect_uri":  {creds.Str(KeyRedirectURI)},
		"state":         {state},
	}
	if scopes := creds.Str(KeyScopes); scopes != "" {
		params.Set("scope", scopes)
	}
	if audience := creds.Str(KeyAudience); audience != "" {
		params.Set("audience", audience)
	}
	for key, values := range extra {
		for _, value := range values {
			params.Set(key, value)
		}
	}
	return fmt.Sprintf("%s?%s", creds.Str(KeyAuthorizationURL), params.Encode())
}

// exchange posts an authorization_code grant and returns the credential
// delta on success.
func (c *core) exchange(ctx context.Context, creds protocol.Credentials, form url.Values, modify func(*http.Request)) (protocol.Credentials, error) {
	status, body, err := c.postForm(ctx, creds.Str(KeyTokenURL), form, modify)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, providerError(status, body)
	}
	delta := tokenDelta(body, creds.Str(KeyRefreshToken))
	if delta.Str(KeyAccessToken) == "" {
		return nil, fmt.Errorf("token response did not contain an access token")
	}
	return delta, nil
}

// refreshGrant posts a refresh_token grant and classifies the outcome:
// 400/401 means the refresh token itself is dead and the caller must restart
// the full flow; other failures are transient.
func (c *core) refreshGrant(ctx context.Context, creds protocol.Credentials, form url.Values, modify func(*http.Request)) protocol.TokenRefreshResult {
	refreshToken := creds.Str(KeyRefreshToken)
	if refreshToken == "" {
		return protocol.TokenRefreshResult{Success: false, RequiresReauth: true, Error: "no refresh token available"}
	}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	status, body, err := c.postForm(ctx, creds.Str(KeyTokenURL), form, modify)
	if err != nil {
		return protocol.TokenRefreshResult{Success: false, Error: err.Error()}
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return protocol.TokenRefreshResult{
			Success:        false,
			RequiresReauth: true,
			Error:          providerError(status, body).Error(),
		}
	}
	if status < 200 || status >= 300 {
		return protocol.TokenRefreshResult{Success: false, Error: providerError(status, body).Error()}
	}
	delta := tokenDelta(body, refreshToken)
	if delta.Str(KeyAccessToken) == "" {
		return protocol.TokenRefreshResult{Success: false, Error: "refresh response did not contain an access token"}
	}
	return protocol.TokenRefreshResult{Success: true, UpdatedCredentials: delta}
}

// revoke posts to the revocation endpoint. Any 2xx, including responses for
// already-revoked tokens, counts as success.
func (c *core) revoke(ctx context.Context, creds protocol.Credentials, modify func(*http.Request)) error {
	endpoint := creds.Str(KeyRevocationURL)
	if endpoint == "" {
		return fmt.Errorf("oauth: no revocation endpoint configured")
	}
	token := creds.Str(KeyRefreshToken)
	hint := "refresh_token"
	if token == "" {
		token = creds.Str(KeyAccessToken)
		hint = "access_token"
	}
	if token == "" {
		return fmt.Errorf("oauth: no token to revoke")
	}
	form := url.Values{"token": {token}, "token_type_hint": {hint}}
	if clientID := creds.Str(KeyClientID); clientID != "" {
		form.Set("client_id", clientID)
	}
	status, body, err := c.postForm(ctx, endpoint, form, modify)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return providerError(status, body)
	}
	return nil
}

// introspect posts to the introspection endpoint and parses the RFC 7662
// response subset.
func (c *core) introspect(ctx context.Context, creds protocol.Credentials, modify func(*http.Request)) (*protocol.IntrospectionResult, error) {
	endpoint := creds.Str(KeyIntrospectionURL)
	if endpoint == "" {
		return nil, fmt.Errorf("oauth: no introspection endpoint configured")
	}
	token := creds.Str(KeyAccessToken)
	if token == "" {
		return nil, fmt.Errorf("oauth: no access token to introspect")
	}
	form := url.Values{"token": {token}, "token_type_hint": {"access_token"}}
	status, body, err := c.postForm(ctx, endpoint, form, modify)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, providerError(status, body)
	}
	parsed := gjson.ParseBytes(body)
	return &protocol.IntrospectionResult{
		Active:   parsed.Get("active").Bool(),
		Scope:    parsed.Get("scope").String(),
		ClientID: parsed.Get("client_id").String(),
		Exp:      parsed.Get("exp").Int(),
		Sub:      parsed.Get("sub").String(),
	}, nil
}

// bearerInjection builds the Authorization header for the stored token.
func bearerInjection(creds protocol.Credentials) (protocol.Injection, error) {
	token := creds.Str(KeyAccessToken)
	if token == "" {
		return protocol.Injection{}, fmt.Errorf("oauth: no access token available, authenticate first")
	}
	return protocol.Injection{Headers: map[string]string{"Authorization": "Bearer " + token}}, nil
}

// executeWithRefresh runs the shared execution policy: refresh proactively
// when the token sits inside the expiry buffer, issue the request, and on a
// 401 with a refresh token present refresh exactly once and retry the same
// request with the new token. A second 401 is surfaced without another
// refresh attempt.
func (c *core) executeWithRefresh(ctx context.Context, execCtx protocol.ExecutionContext, refresh func(context.Context, protocol.Credentials) protocol.TokenRefreshResult) protocol.ExecutionResult {
	creds := execCtx.Credentials
	refreshed := false

	if protocol.TokenExpired(creds) && creds.Str(KeyRefreshToken) != "" {
		res := refresh(ctx, creds)
		if !res.Success {
			return refreshFailure(res)
		}
		creds = creds.Merge(res.UpdatedCredentials)
		execCtx.Credentials = creds
		refreshed = true
	}

	inj, err := bearerInjection(creds)
	if err != nil {
		return protocol.ExecutionResult{Error: err.Error(), ErrorCode: protocol.ErrCodeToken}
	}
	result := c.Do(ctx, execCtx, inj)

	if result.StatusCode == http.StatusUnauthorized && creds.Str(KeyRefreshToken) != "" && !refreshed {
		log.WithField("provider", c.Metadata().Type).Debug("access token rejected, refreshing once and retrying")
		res := refresh(ctx, creds)
		if !res.Success {
			return refreshFailure(res)
		}
		creds = creds.Merge(res.UpdatedCredentials)
		execCtx.Credentials = creds
		inj, err = bearerInjection(creds)
		if err != nil {
			return protocol.ExecutionResult{Error: err.Error(), ErrorCode: protocol.ErrCodeToken}
		}
		result = c.Do(ctx, execCtx, inj)
		refreshed = true
	}

	if refreshed {
		result.CredentialsRefreshed = true
		result.UpdatedCredentials = creds
	}
	return result
}

func refreshFailure(res protocol.TokenRefreshResult) protocol.ExecutionResult {
	msg := res.Error
	if res.RequiresReauth {
		msg = "re-authentication required: " + msg
	}
	return protocol.ExecutionResult{Error: msg, ErrorCode: protocol.ErrCodeToken}
}

// CallbackParams carries the query parameters a provider appends to the
// redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// callbackStep validates the provider callback against the expected state
// and returns either an error step or the token-exchange step carrying the
// authorization code. validateState performs the module-specific state check.
func callbackStep(params CallbackParams, validateState func(received string) error) protocol.AuthFlowStep {
	if params.Error != "" {
		msg := params.Error
		if params.ErrorDescription != "" {
			msg = fmt.Sprintf("%s: %s", params.Error, params.ErrorDescription)
		}
		return protocol.CodedErrorStep(2, totalFlowSteps, protocol.ErrCodeAuthDenied, "Authorization denied", msg)
	}
	if err := validateState(params.State); err != nil {
		return protocol.CodedErrorStep(2, totalFlowSteps, protocol.ErrCodeCSRF, "State validation failed", err.Error())
	}
	if params.Code == "" {
		return protocol.CodedErrorStep(2, totalFlowSteps, protocol.ErrCodeProtocol, "Missing authorization code", "the provider callback did not include a code parameter")
	}
	return protocol.AuthFlowStep{
		Step:        2,
		TotalSteps:  totalFlowSteps,
		Type:        protocol.StepTokenExchange,
		Title:       "Exchange authorization code",
		Description: "Authorization granted. Exchange the code for tokens.",
		Data:        map[string]any{"code": params.Code},
	}
}

// completionStep implements the final checkpoint of the shared machine: an
// access token present in credentials means the flow finished.
func completionStep(creds protocol.Credentials) protocol.AuthFlowStep {
	if creds.Str(KeyAccessToken) == "" {
		return protocol.ErrorStep(totalFlowSteps, totalFlowSteps, "Authentication incomplete", "no access token present; restart the authorization flow")
	}
	return protocol.AuthFlowStep{
		Step:        totalFlowSteps,
		TotalSteps:  totalFlowSteps,
		Type:        protocol.StepComplete,
		Title:       "Authenticated",
		Description: "Access token acquired.",
	}
}

// awaitCallbackStep is the intermediate step returned while the user
// completes authorization out-of-band.
func awaitCallbackStep() protocol.AuthFlowStep {
	return protocol.AuthFlowStep{
		Step:        2,
		TotalSteps:  totalFlowSteps,
		Type:        protocol.StepCallback,
		Title:       "Waiting for authorization",
		Description: "Complete the authorization in your browser. The provider will redirect back with a code.",
	}
}
