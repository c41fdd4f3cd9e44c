package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// clientAssertionType is the RFC 7523 assertion type for JWT client
// authentication.
const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionLifetime bounds how long a client assertion stays valid.
const assertionLifetime = 5 * time.Minute

// buildClientAssertion signs an HS256 client assertion with the client
// secret as the HMAC key.
//
// Note: this is a simplified client_secret_jwt. Most providers expect RS256
// assertions signed with an asymmetric key; HMAC assertions only work with
// providers that explicitly support the client_secret_jwt method.
func buildClientAssertion(clientID, clientSecret, audience string) (string, error) {
	if clientID == "" || clientSecret == "" {
		return "", fmt.Errorf("oauth: client id and secret are required for a jwt assertion")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(clientSecret))
	if err != nil {
		return "", fmt.Errorf("oauth: failed to sign client assertion: %w", err)
	}
	return signed, nil
}
