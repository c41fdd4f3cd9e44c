package authflow

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/apirelay/apirelay/internal/protocol/oauth"
)

// ParseCallbackURL extracts OAuth callback parameters from a pasted URL.
// Users on headless machines copy the redirect URL out of their browser, so
// the parser accepts full URLs, bare query strings, and fragment-carried
// parameters. Returns nil for empty input.
func ParseCallbackURL(input string) (*oauth.CallbackParams, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, nil
	}

	candidate := trimmed
	if !strings.Contains(candidate, "://") {
		switch {
		case strings.HasPrefix(candidate, "?"):
			candidate = "http://localhost" + candidate
		case strings.ContainsAny(candidate, "/?#") || strings.Contains(candidate, ":"):
			candidate = "http://" + candidate
		case strings.Contains(candidate, "="):
			candidate = "http://localhost/?" + candidate
		default:
			return nil, fmt.Errorf("authflow: not a callback URL")
		}
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		return nil, err
	}

	query := parsed.Query()
	params := oauth.CallbackParams{
		Code:             strings.TrimSpace(query.Get("code")),
		State:            strings.TrimSpace(query.Get("state")),
		Error:            strings.TrimSpace(query.Get("error")),
		ErrorDescription: strings.TrimSpace(query.Get("error_description")),
	}

	// Some providers return parameters in the fragment instead of the query.
	if parsed.Fragment != "" {
		if fragQuery, errFrag := url.ParseQuery(parsed.Fragment); errFrag == nil {
			if params.Code == "" {
				params.Code = strings.TrimSpace(fragQuery.Get("code"))
			}
			if params.State == "" {
				params.State = strings.TrimSpace(fragQuery.Get("state"))
			}
			if params.Error == "" {
				params.Error = strings.TrimSpace(fragQuery.Get("error"))
			}
			if params.ErrorDescription == "" {
				params.ErrorDescription = strings.TrimSpace(fragQuery.Get("error_description"))
			}
		}
	}

	if params.Code == "" && params.Error == "" {
		return nil, fmt.Errorf("authflow: callback URL missing code")
	}
	return &params, nil
}
