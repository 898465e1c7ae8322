package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerdesk/sessiond/internal/infrastructure/config"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/logging"
)

// TokenSource supplies the gateway with the current tokens and receives the
// outcomes of the refresh protocol. The session state machine implements it;
// the gateway never mutates session state through any other path.
type TokenSource interface {
	// AccessToken returns the current bearer token, or "" when logged out.
	AccessToken() string

	// RefreshToken returns the current refresh token, or "".
	RefreshToken() string

	// ApplyRefresh commits a rotated token pair in a single atomic step.
	// An empty refresh value means the backend did not rotate it.
	ApplyRefresh(access, refresh string) error

	// ForceLogout transitions the session to logged-out with the given
	// reason. Must be idempotent.
	ForceLogout(ctx context.Context, reason string)
}

// Client is the single choke point for all backend calls.
//
// It attaches the bearer token, normalizes response envelopes, classifies
// failures into typed errors, and drives the single-flight refresh protocol
// on authorization failures. All methods are safe for concurrent use.
type Client struct {
	cfg     config.BackendConfig
	http    *http.Client
	logger  *logging.Logger
	tokens  TokenSource
	refresh singleflight.Group
}

// New creates a gateway client. BindTokens must be called before any
// authenticated request is made.
func New(cfg config.BackendConfig, logger *logging.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout()},
		logger: logger.With("component", "gateway"),
	}
}

// BindTokens attaches the token source. Separate from New because the
// session manager and the gateway reference each other: the gateway is
// constructed first, the manager second, then the two are bound.
func (c *Client) BindTokens(ts TokenSource) {
	c.tokens = ts
}

// Request describes one backend call.
type Request struct {
	// Path is the endpoint path, joined onto the configured base URL.
	Path string

	// Method is the HTTP method. Empty defaults to POST.
	Method string

	// Payload is the request body. Maps and structs are JSON-encoded
	// unless EncodeForm is set. Nil sends no body.
	Payload any

	// EncodeForm sends the payload as multipart/form-data. Some backend
	// endpoints require multipart encoding even for simple key/value
	// bodies; the payload must then be a map[string]string.
	EncodeForm bool

	// NoAuth skips the bearer header and the 401 refresh path. Set on
	// login, verify and refresh calls, which run unauthenticated.
	NoAuth bool

	// Bearer carries an explicit token for calls that outlive the session
	// that issued them (the best-effort backend logout runs after local
	// state is already cleared). Implies NoAuth semantics for the refresh
	// path.
	Bearer string
}

// Do performs a backend call and returns the response payload with the
// envelope unwrapped: if the backend wraps the real payload in a "data"
// field, the nested value is returned transparently.
//
// Failures are always *Error (or ErrTokenRotated after a successful
// single-flight refresh). Network-level failures classify as KindNetwork
// and never touch the refresh path.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, &Error{Kind: KindServer, Code: "encode_error", Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.cfg.EndpointURL(req.Path), body)
	if err != nil {
		return nil, &Error{Kind: KindServer, Code: "request_error", Message: err.Error()}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	switch {
	case req.Bearer != "":
		httpReq.Header.Set("Authorization", "Bearer "+req.Bearer)
	case !req.NoAuth:
		if token := c.tokens.AccessToken(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Debug("backend unreachable", "path", req.Path, "error", err)
		return nil, networkError(err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body close is best effort

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return unwrapEnvelope(respBody), nil
	}

	gwErr := classify(resp.StatusCode, respBody, !req.NoAuth)
	c.logger.Debug("backend call failed",
		"path", req.Path,
		"status", resp.StatusCode,
		"kind", gwErr.Kind.String(),
	)

	if resp.StatusCode == http.StatusUnauthorized && !req.NoAuth {
		return nil, c.handleUnauthorized(ctx, gwErr)
	}

	return nil, gwErr
}

// encodeBody serializes the request payload. Multipart form encoding is a
// backend quirk: several endpoints reject JSON bodies for simple key/value
// data.
func encodeBody(req Request) (io.Reader, string, error) {
	if req.Payload == nil {
		return nil, "", nil
	}

	if req.EncodeForm {
		fields, ok := req.Payload.(map[string]string)
		if !ok {
			return nil, "", fmt.Errorf("form payload must be map[string]string, got %T", req.Payload)
		}
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		for field, value := range fields {
			if err := writer.WriteField(field, value); err != nil {
				return nil, "", fmt.Errorf("writing form field %q: %w", field, err)
			}
		}
		if err := writer.Close(); err != nil {
			return nil, "", fmt.Errorf("closing form writer: %w", err)
		}
		return &buf, writer.FormDataContentType(), nil
	}

	data, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshalling payload: %w", err)
	}
	return bytes.NewReader(data), "application/json", nil
}

// unwrapEnvelope extracts a nested "data" payload from a response wrapper.
// Applied on every success path so typed consumers never see the envelope.
func unwrapEnvelope(body []byte) json.RawMessage {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return body
}
