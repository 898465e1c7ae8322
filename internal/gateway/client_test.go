package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerdesk/sessiond/internal/infrastructure/config"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/logging"
)

// stubTokens is a TokenSource with scripted tokens.
type stubTokens struct {
	mu      sync.Mutex
	access  string
	refresh string
	applied [][2]string
	forced  []string
}

func (s *stubTokens) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access
}

func (s *stubTokens) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh
}

func (s *stubTokens) ApplyRefresh(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
	s.applied = append(s.applied, [2]string{access, refresh})
	return nil
}

func (s *stubTokens) ForceLogout(_ context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
	s.forced = append(s.forced, reason)
}

func testClient(t *testing.T, handler http.Handler, tokens *stubTokens) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.BackendConfig{
		BaseURL: server.URL,
		Timeout: 5,
		Endpoints: config.EndpointConfig{
			Login:    "/auth/login",
			Verify:   "/auth/verify",
			Refresh:  "/auth/refresh",
			Logout:   "/auth/logout",
			Profile:  "/auth/me",
			Validate: "/auth/validate",
		},
	}
	client := New(cfg, logging.Discard())
	client.BindTokens(tokens)
	return client
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestDoAttachesBearerAndUnwrapsEnvelope(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer T1" {
			t.Errorf("Authorization = %q, want Bearer T1", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID header")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]string{"id": "u-1", "role": "manager"},
		})
	})

	client := testClient(t, router, &stubTokens{access: "T1"})
	raw, err := client.Do(context.Background(), Request{Path: "/auth/me", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshalling unwrapped payload: %v", err)
	}
	if payload["id"] != "u-1" {
		t.Fatalf("payload = %v, envelope not unwrapped", payload)
	}
}

func TestDoPassesBareBodyThrough(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/auth/me", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "u-2"})
	})

	client := testClient(t, router, &stubTokens{access: "T1"})
	raw, err := client.Do(context.Background(), Request{Path: "/auth/me", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil || payload["id"] != "u-2" {
		t.Fatalf("payload = %s, err = %v", raw, err)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     any
		wantKind Kind
		wantMsg  string
	}{
		{
			name:     "field errors classify as validation",
			status:   http.StatusUnprocessableEntity,
			body:     map[string]any{"message": "invalid input", "errors": map[string][]string{"email": {"required"}}},
			wantKind: KindValidation,
			wantMsg:  "invalid input",
		},
		{
			name:     "single-string field errors accepted",
			status:   http.StatusBadRequest,
			body:     map[string]any{"message": "invalid input", "errors": map[string]string{"code": "too short"}},
			wantKind: KindValidation,
			wantMsg:  "invalid input",
		},
		{
			name:     "unparseable body synthesizes from status line",
			status:   http.StatusBadGateway,
			body:     "<html>oops</html>",
			wantKind: KindServer,
			wantMsg:  "502 Bad Gateway",
		},
		{
			name:     "forbidden is an auth failure",
			status:   http.StatusForbidden,
			body:     map[string]any{"message": "not yours"},
			wantKind: KindAuth,
			wantMsg:  "not yours",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := chi.NewRouter()
			router.Get("/auth/me", func(w http.ResponseWriter, _ *http.Request) {
				if s, ok := tt.body.(string); ok {
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(s))
					return
				}
				writeJSON(w, tt.status, tt.body)
			})

			client := testClient(t, router, &stubTokens{access: "T1"})
			_, err := client.Do(context.Background(), Request{Path: "/auth/me", Method: http.MethodGet})

			var gwErr *Error
			if !errors.As(err, &gwErr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if gwErr.Kind != tt.wantKind {
				t.Fatalf("kind = %v, want %v", gwErr.Kind, tt.wantKind)
			}
			if gwErr.Message != tt.wantMsg {
				t.Fatalf("message = %q, want %q", gwErr.Message, tt.wantMsg)
			}
			if gwErr.Status != tt.status {
				t.Fatalf("status = %d, want %d", gwErr.Status, tt.status)
			}
		})
	}
}

func TestLoginEncodesMultipartAndNormalizesToken(t *testing.T) {
	tokenFields := []map[string]any{
		{"tk": "VT-tk", "message": "check your email"},
		{"token": "VT-token"},
		{"access_token": "VT-access"},
		// tk wins over the others when several are present.
		{"tk": "VT-tk", "token": "VT-token", "access_token": "VT-access"},
	}
	want := []string{"VT-tk", "VT-token", "VT-access", "VT-tk"}

	for i, body := range tokenFields {
		router := chi.NewRouter()
		router.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("body is not multipart: %v", err)
			}
			if got := r.FormValue("email"); got != "clerk@example.com" {
				t.Errorf("email field = %q", got)
			}
			if r.Header.Get("Authorization") != "" {
				t.Error("login must not carry a bearer token")
			}
			writeJSON(w, http.StatusOK, body)
		})

		client := testClient(t, router, &stubTokens{access: "stale"})
		result, err := client.Login(context.Background(), "clerk@example.com", "secret")
		if err != nil {
			t.Fatalf("Login[%d]: %v", i, err)
		}
		if result.VerificationToken != want[i] {
			t.Fatalf("VerificationToken[%d] = %q, want %q", i, result.VerificationToken, want[i])
		}
	}
}

func TestVerifyNormalizesAccessTokenFirst(t *testing.T) {
	router := chi.NewRouter()
	router.Post("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("verify body is not JSON: %v", err)
		}
		if body["code"] != "123456" || body["tk"] != "VT-1" {
			t.Errorf("verify body = %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"access_token":  "T-access",
			"token":         "T-token",
			"refresh_token": "R-1",
		})
	})

	client := testClient(t, router, &stubTokens{})
	result, err := client.Verify(context.Background(), "123456", "VT-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.AccessToken != "T-access" {
		t.Fatalf("AccessToken = %q, want access_token field preferred", result.AccessToken)
	}
	if result.Success == nil || !*result.Success {
		t.Fatalf("Success = %v, want true", result.Success)
	}
	if result.RefreshToken != "R-1" {
		t.Fatalf("RefreshToken = %q", result.RefreshToken)
	}
}

func TestSingleFlightRefresh(t *testing.T) {
	var refreshCalls atomic.Int32

	router := chi.NewRouter()
	router.Get("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer T2" {
			writeJSON(w, http.StatusOK, map[string]string{"id": "u-1"})
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
	})
	router.Post("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "R1" {
			t.Errorf("refresh body = %v", body)
		}
		// Hold the flight open so concurrent 401 handlers pile up on it.
		time.Sleep(100 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]string{
			"access_token":  "T2",
			"refresh_token": "R2",
		})
	})

	tokens := &stubTokens{access: "T1", refresh: "R1"}
	client := testClient(t, router, tokens)

	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Do(context.Background(), Request{Path: "/auth/me", Method: http.MethodGet})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrTokenRotated) {
			t.Fatalf("caller %d err = %v, want ErrTokenRotated", i, err)
		}
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", got)
	}

	tokens.mu.Lock()
	access, refresh := tokens.access, tokens.refresh
	tokens.mu.Unlock()
	if access != "T2" || refresh != "R2" {
		t.Fatalf("tokens = %q/%q, rotation not committed", access, refresh)
	}

	// The explicit retry succeeds with the rotated token.
	raw, err := client.Do(context.Background(), Request{Path: "/auth/me", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("retry after rotation: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil || payload["id"] != "u-1" {
		t.Fatalf("retry payload = %s", raw)
	}
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/auth/me", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
	})
	router.Post("/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "refresh token revoked"})
	})

	tokens := &stubTokens{access: "T1", refresh: "R1"}
	client := testClient(t, router, tokens)

	_, err := client.Do(context.Background(), Request{Path: "/auth/me", Method: http.MethodGet})
	if !IsKind(err, KindSessionExpired) {
		t.Fatalf("err = %v, want session-expired", err)
	}

	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if len(tokens.forced) != 1 || tokens.forced[0] != "session_expired" {
		t.Fatalf("forced logouts = %v, want one session_expired", tokens.forced)
	}
}

func TestMissingRefreshTokenForcesLogout(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/auth/me", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
	})
	router.Post("/auth/refresh", func(http.ResponseWriter, *http.Request) {
		t.Error("refresh endpoint called without a refresh token")
	})

	tokens := &stubTokens{access: "T1"}
	client := testClient(t, router, tokens)

	_, err := client.Do(context.Background(), Request{Path: "/auth/me", Method: http.MethodGet})
	if !IsKind(err, KindSessionExpired) {
		t.Fatalf("err = %v, want session-expired", err)
	}
}

func TestRefreshResponseWithoutAccessTokenIsHardFailure(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/auth/me", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
	})
	router.Post("/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"refresh_token": "R2"})
	})

	tokens := &stubTokens{access: "T1", refresh: "R1"}
	client := testClient(t, router, tokens)

	_, err := client.Do(context.Background(), Request{Path: "/auth/me", Method: http.MethodGet})
	if !IsKind(err, KindSessionExpired) {
		t.Fatalf("err = %v, want session-expired despite HTTP 200 refresh", err)
	}
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if len(tokens.applied) != 0 {
		t.Fatalf("tokens applied from a bad refresh response: %v", tokens.applied)
	}
}

func TestNetworkFailureNeverTriggersRefresh(t *testing.T) {
	// A server that closes immediately leaves nothing listening.
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	cfg := config.BackendConfig{
		BaseURL: server.URL,
		Timeout: 1,
		Endpoints: config.EndpointConfig{
			Profile: "/auth/me",
			Refresh: "/auth/refresh",
		},
	}
	tokens := &stubTokens{access: "T1", refresh: "R1"}
	client := New(cfg, logging.Discard())
	client.BindTokens(tokens)

	_, err := client.Do(context.Background(), Request{Path: "/auth/me", Method: http.MethodGet})
	if !IsKind(err, KindNetwork) {
		t.Fatalf("err = %v, want network", err)
	}

	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if len(tokens.forced) != 0 {
		t.Fatal("network failure forced a logout")
	}
	if len(tokens.applied) != 0 {
		t.Fatal("network failure triggered a refresh")
	}
}

func TestUnauthenticated401IsAuthNotExpiry(t *testing.T) {
	router := chi.NewRouter()
	router.Post("/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "bad credentials"})
	})

	tokens := &stubTokens{}
	client := testClient(t, router, tokens)

	_, err := client.Login(context.Background(), "clerk@example.com", "wrong")
	if !IsKind(err, KindAuth) {
		t.Fatalf("err = %v, want auth", err)
	}
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if len(tokens.forced) != 0 {
		t.Fatal("login rejection must not run the refresh path")
	}
}

func TestLogoutUsesExplicitBearer(t *testing.T) {
	router := chi.NewRouter()
	router.Post("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer old-token" {
			t.Errorf("Authorization = %q, want the explicit bearer", got)
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "bye"})
	})

	// The token source is already cleared; the explicit bearer must win.
	client := testClient(t, router, &stubTokens{})
	if err := client.Logout(context.Background(), "old-token"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
}
