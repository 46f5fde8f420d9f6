package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo is what the client can learn from its access token without the
// signing key. The server remains the only authority on validity.
type TokenInfo struct {
	UserID    string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Expired reports whether the token's exp claim lies before now.
func (t TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

type accessClaims struct {
	jwt.RegisteredClaims
	UserID any `json:"user_id"`
}

// InspectToken decodes the claims of a JWT access token without verifying
// its signature.
func InspectToken(token string) (TokenInfo, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser(jwt.WithJSONNumber()).ParseUnverified(token, &claims); err != nil {
		return TokenInfo{}, fmt.Errorf("inspect token: %w", err)
	}

	var info TokenInfo
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	switch v := claims.UserID.(type) {
	case json.Number:
		info.UserID = v.String()
	case string:
		info.UserID = v
	case nil:
		info.UserID = claims.Subject
	default:
		info.UserID = fmt.Sprint(v)
	}
	return info, nil
}
