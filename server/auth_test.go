package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/engine"
	"github.com/GoCodeAlone/foreman/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth: config.AuthConfig{
			AdminUser: "admin",
			AdminPass: string(hash),
			JWTSecret: "test-secret-key-1234567890",
			TokenTTL:  time.Hour,
		},
	}
	return New(cfg, "test", nil)
}

// withEngine wires a real engine over a temp-file store.
func withEngine(t *testing.T, s *Server) *engine.Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := comms.NewInMemoryBus()
	n := comms.NewNotifier(bus, 64)
	t.Cleanup(func() { n.Close(context.Background()) })
	e := engine.New(st, engine.WithEvents(n))
	s.SetEngine(e)
	s.SetBus(bus)
	return e
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	body := `{"username":"admin","password":"secret"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected non-empty token in response")
	}
	return resp.Token
}

func TestSignAndVerifyToken(t *testing.T) {
	token, err := signToken("my-test-secret", "alice", time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	subject, err := verifyToken("my-test-secret", token)
	if err != nil {
		t.Fatalf("verifyToken: %v", err)
	}
	if subject != "alice" {
		t.Errorf("expected subject 'alice', got %q", subject)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	token, err := signToken("my-test-secret", "alice", time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	if _, err := verifyToken("my-test-secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyToken_BadSignature(t *testing.T) {
	token, _ := signToken("correct-secret", "alice", time.Now(), time.Hour)
	if _, err := verifyToken("wrong-secret", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestVerifyToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("s"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifyToken("s", token); err == nil {
		t.Fatal("expected HS512 token to be rejected")
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")) != nil {
		t.Error("hash does not match its password")
	}
	if _, err := HashPassword(""); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestHandleLogin_Success(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s.Handler())

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var me map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me["username"] != "admin" {
		t.Errorf("expected admin, got %q", me["username"])
	}
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	s := newTestServer(t)

	body := `{"username":"admin","password":"wrong"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestHandleLogin_NoPasswordConfigured(t *testing.T) {
	s := New(config.Config{Auth: config.AuthConfig{AdminUser: "admin"}}, "test", nil)

	body := `{"username":"admin","password":""}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	s := newTestServer(t)
	withEngine(t, s)

	for _, path := range []string{"/api/agents", "/events"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	s := newTestServer(t)
	withEngine(t, s)
	token := login(t, s.Handler())

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPublicRoutes(t *testing.T) {
	s := newTestServer(t)
	e := withEngine(t, s)
	e.Metrics().Dispatched.Inc()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("foreman_tasks_dispatched_total 1")) {
		t.Errorf("metrics output missing dispatch counter:\n%s", rr.Body.String())
	}
}
