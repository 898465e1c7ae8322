package gateway

import (
	"context"
	"encoding/json"
	"net/http"
)

// UserRecord is the normalized user payload the backend attaches to login,
// verify and profile responses.
type UserRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

// LoginResult is the normalized outcome of the credentials step.
type LoginResult struct {
	Message string
	// VerificationToken is the opaque handle the verification step must
	// present. The backend sends it under tk, token or access_token
	// depending on deployment age; normalization happens here and the
	// ambiguity never leaves the gateway.
	VerificationToken string
	RequiresTwoFactor bool
	// ChangePasswordRequired marks accounts that must rotate their
	// password before continuing.
	ChangePasswordRequired bool
	User                   *UserRecord
}

// VerifyResult is the normalized outcome of the verification step. Whether
// it counts as success is the session machine's decision (the policy is
// injectable); the gateway only normalizes the fields.
type VerifyResult struct {
	// Success mirrors the backend's explicit flag; nil when absent.
	Success                *bool
	AccessToken            string
	RefreshToken           string
	ChangePasswordRequired bool
	User                   *UserRecord
}

// authResponse is the raw wire shape shared by the login and verify
// endpoints, before token-field normalization.
type authResponse struct {
	Message           string      `json:"message"`
	Success           *bool       `json:"success"`
	Tk                string      `json:"tk"`
	Token             string      `json:"token"`
	AccessToken       string      `json:"access_token"`
	RefreshToken      string      `json:"refresh_token"`
	RequiresTwoFactor bool        `json:"requiresTwoFactor"`
	ChangePassword    bool        `json:"change_password_required"`
	User              *UserRecord `json:"user"`
}

// firstToken returns the first non-empty value in order.
func firstToken(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Login performs the credentials step. The backend requires this body
// form-encoded.
func (c *Client) Login(ctx context.Context, identity, secret string) (*LoginResult, error) {
	raw, err := c.Do(ctx, Request{
		Path:       c.cfg.Endpoints.Login,
		Payload:    map[string]string{"email": identity, "password": secret},
		EncodeForm: true,
		NoAuth:     true,
	})
	if err != nil {
		return nil, err
	}

	var resp authResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Kind: KindServer, Code: "bad_login_response", Message: err.Error()}
	}

	return &LoginResult{
		Message:                resp.Message,
		VerificationToken:      firstToken(resp.Tk, resp.Token, resp.AccessToken),
		RequiresTwoFactor:      resp.RequiresTwoFactor,
		ChangePasswordRequired: resp.ChangePassword,
		User:                   resp.User,
	}, nil
}

// Verify performs the verification step with the code and the verification
// token from the credentials step.
func (c *Client) Verify(ctx context.Context, code, verificationToken string) (*VerifyResult, error) {
	raw, err := c.Do(ctx, Request{
		Path:    c.cfg.Endpoints.Verify,
		Payload: map[string]string{"code": code, "tk": verificationToken},
		NoAuth:  true,
	})
	if err != nil {
		return nil, err
	}

	var resp authResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Kind: KindServer, Code: "bad_verify_response", Message: err.Error()}
	}

	return &VerifyResult{
		Success:                resp.Success,
		AccessToken:            firstToken(resp.AccessToken, resp.Token, resp.Tk),
		RefreshToken:           resp.RefreshToken,
		ChangePasswordRequired: resp.ChangePassword,
		User:                   resp.User,
	}, nil
}

// Logout tells the backend to drop the session identified by token.
// Best-effort: callers swallow failures, and the local logged-out transition
// has already happened by the time this runs, hence the explicit bearer.
func (c *Client) Logout(ctx context.Context, token string) error {
	_, err := c.Do(ctx, Request{
		Path:   c.cfg.Endpoints.Logout,
		NoAuth: true,
		Bearer: token,
	})
	return err
}

// Profile fetches the authenticated user's record.
func (c *Client) Profile(ctx context.Context) (*UserRecord, error) {
	raw, err := c.Do(ctx, Request{
		Path:   c.cfg.Endpoints.Profile,
		Method: http.MethodGet,
	})
	if err != nil {
		return nil, err
	}

	var user UserRecord
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, &Error{Kind: KindServer, Code: "bad_profile_response", Message: err.Error()}
	}
	return &user, nil
}

// Validate checks that the current access token is still accepted. Used by
// the activity monitor's forced re-validation path.
func (c *Client) Validate(ctx context.Context) error {
	_, err := c.Do(ctx, Request{
		Path:   c.cfg.Endpoints.Validate,
		Method: http.MethodGet,
	})
	return err
}
