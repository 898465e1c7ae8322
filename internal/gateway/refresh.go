package gateway

import (
	"context"
	"encoding/json"
	"net/http"
)

// refreshKey is the single-flight key. There is only ever one refresh
// target, so the key is constant: all concurrent 401 handlers share one
// in-flight refresh instead of issuing duplicates against a refresh token
// whose rotation semantics are not idempotent.
const refreshKey = "refresh"

// handleUnauthorized runs the single-flight refresh protocol for a 401 on an
// authenticated endpoint. On refresh success the original call fails with
// ErrTokenRotated and the caller retries; on refresh failure the session is
// forced to logged-out and the original call fails as session-expired.
func (c *Client) handleUnauthorized(ctx context.Context, original *Error) error {
	// The refresh must not die with whichever caller happened to start it:
	// later 401 handlers join the same flight and need its result.
	_, err, shared := c.refresh.Do(refreshKey, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout())
		defer cancel()
		return nil, c.refreshTokens(refreshCtx)
	})
	if shared {
		c.logger.Debug("joined in-flight token refresh")
	}

	if err != nil {
		c.logger.Info("token refresh failed, forcing logout", "error", err)
		c.tokens.ForceLogout(ctx, "session_expired")
		return &Error{
			Kind:    KindSessionExpired,
			Status:  original.Status,
			Code:    "session_expired",
			Message: "session expired, sign in again",
		}
	}

	return ErrTokenRotated
}

// refreshTokens exchanges the refresh token for a new token pair and commits
// it through the token source. Absence of an access token in the response is
// a hard failure even on HTTP 200.
func (c *Client) refreshTokens(ctx context.Context) error {
	refreshToken := c.tokens.RefreshToken()
	if refreshToken == "" {
		return &Error{
			Kind:    KindSessionExpired,
			Status:  http.StatusUnauthorized,
			Code:    "no_refresh_token",
			Message: "no refresh token held",
		}
	}

	raw, err := c.Do(ctx, Request{
		Path:    c.cfg.Endpoints.Refresh,
		Payload: map[string]string{"refresh_token": refreshToken},
		NoAuth:  true,
	})
	if err != nil {
		return err
	}

	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &Error{Kind: KindServer, Code: "bad_refresh_response", Message: err.Error()}
	}
	if resp.AccessToken == "" {
		return &Error{
			Kind:    KindSessionExpired,
			Code:    "bad_refresh_response",
			Message: "refresh response carried no access token",
		}
	}

	c.logger.Debug("access token refreshed", "rotated_refresh", resp.RefreshToken != "")
	return c.tokens.ApplyRefresh(resp.AccessToken, resp.RefreshToken)
}
