package opsserver_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/sentinel/internal/opsserver"
	"github.com/tripwire/sentinel/internal/snapshot"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func signToken(t *testing.T, priv *rsa.PrivateKey) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type fakeHealth struct {
	depth       int
	lastAlertAt time.Time
}

func (f fakeHealth) QueueDepth() int         { return f.depth }
func (f fakeHealth) LastAlertAt() time.Time  { return f.lastAlertAt }

func TestHealthzRequiresNoAuth(t *testing.T) {
	s := opsserver.New(fakeHealth{depth: 3})
	r := opsserver.NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status opsserver.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.QueueDepth != 3 {
		t.Fatalf("QueueDepth = %d, want 3", status.QueueDepth)
	}
}

func TestSnapshotServesWithoutAuthWhenKeyIsNil(t *testing.T) {
	s := opsserver.New(nil)
	s.SetSnapshot(snapshot.State{Timestamp: 1785542400})
	r := opsserver.NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var state snapshot.State
	if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Timestamp != 1785542400 {
		t.Fatalf("unexpected timestamp: %v", state.Timestamp)
	}
}

func TestSnapshotRejectsMissingBearerWhenKeyConfigured(t *testing.T) {
	_, pub := generateTestKey(t)
	s := opsserver.New(nil)
	r := opsserver.NewRouter(s, pub)

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSnapshotAcceptsValidBearer(t *testing.T) {
	priv, pub := generateTestKey(t)
	s := opsserver.New(nil)
	s.SetSnapshot(snapshot.State{Timestamp: 1785542400})
	r := opsserver.NewRouter(s, pub)

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSnapshotRejectsTokenSignedByWrongKey(t *testing.T) {
	wrongPriv, _ := generateTestKey(t)
	_, pub := generateTestKey(t)
	s := opsserver.New(nil)
	r := opsserver.NewRouter(s, pub)

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, wrongPriv))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
