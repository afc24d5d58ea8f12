package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the JWT payload this engine consumes. Token issuance and
// refresh are owned by the external auth service; only the fields needed to
// attribute events to a user are read here.
type Claims struct {
	jwt.RegisteredClaims
	OrgID  string `json:"oid"`
	UserID string `json:"uid"`
}

// ErrInvalidToken is returned when a bearer token cannot be parsed or fails
// signature validation.
var ErrInvalidToken = errors.New("token: invalid or expired token")

// Identify extracts the claims from a bearer token without verifying the
// signature. The engine trusts the token source (the auth collaborator) and
// only needs the user identity to tag outgoing events; authoritative
// validation happens server-side.
func Identify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("token.Identify: %w", ErrInvalidToken)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token.Identify: missing user id: %w", ErrInvalidToken)
	}
	return claims, nil
}

// Validate parses a bearer token and verifies its HS256 signature against
// secret. Used by the relay; an empty secret downgrades to Identify for
// development setups without a shared signing key.
func Validate(secret, tokenString string) (*Claims, error) {
	if secret == "" {
		return Identify(tokenString)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("token.Validate: %w", ErrInvalidToken)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token.Validate: %w", ErrInvalidToken)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token.Validate: missing user id: %w", ErrInvalidToken)
	}
	return claims, nil
}

// Issue creates a signed HS256 token. Exists for the relay's development mode
// and for tests; production tokens come from the auth service.
func Issue(secret, orgID, userID string) (string, error) {
	claims := Claims{OrgID: orgID, UserID: userID}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("token.Issue: %w", err)
	}
	return signed, nil
}
