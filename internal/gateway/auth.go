package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	perrors "github.com/marketmind/chatstream/internal/errors"
)

// Identity is the authenticated principal extracted from a bearer token.
type Identity struct {
	UserID string
	Scopes []string
}

// HasScope reports whether the identity carries the given scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopeChat is required to open a streaming session or touch chat resources.
const ScopeChat = "chat"

// VerifyToken validates a bearer JWT and extracts the identity. Signature and
// expiry failures map to ErrUnauthorized; a missing chat scope is checked by
// callers and maps to ErrForbidden.
func VerifyToken(secret, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, perrors.ErrUnauthorized
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return Identity{}, perrors.ErrUnauthorized
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, perrors.ErrUnauthorized
	}

	id := Identity{UserID: sub}
	if rawScopes, ok := claims["scopes"].([]interface{}); ok {
		for _, s := range rawScopes {
			if str, ok := s.(string); ok {
				id.Scopes = append(id.Scopes, str)
			}
		}
	}
	return id, nil
}

// SignToken mints a development token for the given user.
func SignToken(secret, userID string, scopes []string) (string, error) {
	claims := jwt.MapClaims{
		"sub":    userID,
		"scopes": scopes,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}
