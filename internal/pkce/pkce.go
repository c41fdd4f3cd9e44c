// Package pkce implements the Proof Key for Code Exchange helpers (RFC 7636)
// used by the OAuth protocol modules, along with the CSRF state tokens that
// bind an authorization redirect to the flow that initiated it.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// verifierCharset is the unreserved character set permitted for code
// verifiers by RFC 7636 section 4.1.
const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

const (
	// MinVerifierLength is the RFC 7636 lower bound for a code verifier.
	MinVerifierLength = 43
	// MaxVerifierLength is the RFC 7636 upper bound for a code verifier.
	MaxVerifierLength = 128
	// DefaultStateMaxAge bounds how long a state token stays acceptable.
	DefaultStateMaxAge = 10 * time.Minute
)

// ChallengeMethodS256 identifies the SHA-256 code challenge method.
const ChallengeMethodS256 = "S256"

// Codes holds a generated verifier and its derived challenge.
type Codes struct {
	CodeVerifier  string
	CodeChallenge string
}

// GenerateCodes generates a fresh verifier/challenge pair using the default
// verifier length. A new pair must be generated per authentication attempt.
func GenerateCodes() (*Codes, error) {
	verifier, err := GenerateCodeVerifier(MinVerifierLength)
	if err != nil {
		return nil, err
	}
	return &Codes{
		CodeVerifier:  verifier,
		CodeChallenge: GenerateCodeChallenge(verifier),
	}, nil
}

// GenerateCodeVerifier creates a cryptographically random code verifier of
// the requested length over the RFC 7636 unreserved character set.
// Lengths outside [43, 128] are rejected as a configuration error.
func GenerateCodeVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", fmt.Errorf("pkce: code verifier length must be between %d and %d, got %d", MinVerifierLength, MaxVerifierLength, length)
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("pkce: failed to generate random bytes: %w", err)
	}
	for i := range raw {
		raw[i] = verifierCharset[int(raw[i])%len(verifierCharset)]
	}
	return string(raw), nil
}

// GenerateCodeChallenge derives the S256 challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}

// VerifyCodeChallenge recomputes the challenge from the verifier and compares
// it against the expected value. Supported methods are "S256" and "plain".
// This is a self-test helper; providers perform the authoritative check.
func VerifyCodeChallenge(verifier, challenge, method string) bool {
	switch method {
	case ChallengeMethodS256, "":
		computed := GenerateCodeChallenge(verifier)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

// statePayload is the JSON document embedded in a state token.
type statePayload struct {
	Nonce string         `json:"nonce"`
	TS    int64          `json:"ts"`
	Data  map[string]any `json:"data,omitempty"`
}

// GenerateState builds a CSRF state token: a base64url encoded JSON object
// carrying a 128-bit random nonce, the creation timestamp in Unix
// milliseconds, and any caller supplied custom data.
func GenerateState(customData map[string]any) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("pkce: failed to generate state nonce: %w", err)
	}
	payload := statePayload{
		Nonce: hex.EncodeToString(nonce),
		TS:    time.Now().UnixMilli(),
	}
	if len(customData) > 0 {
		payload.Data = customData
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("pkce: failed to encode state: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(encoded), nil
}

// ValidateState checks a state token returned by the provider against the
// stored value. It rejects mismatches (possible CSRF) and tokens older than
// maxAge, and returns the custom data embedded at generation time.
// A non-positive maxAge falls back to DefaultStateMaxAge.
func ValidateState(received, stored string, maxAge time.Duration) (map[string]any, error) {
	if received == "" {
		return nil, fmt.Errorf("pkce: missing state parameter")
	}
	if subtle.ConstantTimeCompare([]byte(received), []byte(stored)) != 1 {
		return nil, fmt.Errorf("pkce: state mismatch, possible CSRF attack")
	}
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("pkce: failed to decode state: %w", err)
	}
	var payload statePayload
	if err = json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("pkce: failed to parse state: %w", err)
	}
	if maxAge <= 0 {
		maxAge = DefaultStateMaxAge
	}
	age := time.Since(time.UnixMilli(payload.TS))
	if age > maxAge {
		return nil, fmt.Errorf("pkce: state expired after %s", age.Truncate(time.Second))
	}
	return payload.Data, nil
}
