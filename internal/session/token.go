package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry extracts the exp claim from an access token without verifying
// the signature. The agent never validates tokens (that is the backend's
// job); it only needs the expiry to decide whether a persisted session is
// worth resuming.
func tokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("access token carries no expiry")
	}
	return claims.ExpiresAt.Time, nil
}

// TokenExpiry reports the expiry of the current access token.
func (m *Manager) TokenExpiry() (time.Time, error) {
	m.mu.RLock()
	token := m.state.AccessToken
	m.mu.RUnlock()
	if token == "" {
		return time.Time{}, ErrNotAuthenticated
	}
	return tokenExpiry(token)
}
