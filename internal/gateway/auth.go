package gateway

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenVerifier checks optional bearer tokens presented at connect time.
// Authentication is additive, not a gate: a verified token pins the identity
// from its claims, while a missing or bad token falls back to the claimed
// userId for backward compatibility.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier for HS256 tokens signed with secret.
// Returns nil when no secret is configured, which disables verification.
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token and returns the user id from its
// subject claim.
func (v *TokenVerifier) Verify(token string) (string, error) {
	parsed, err := gojwt.Parse(token, func(t *gojwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", err
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", fmt.Errorf("token has no subject claim")
	}
	return subject, nil
}
