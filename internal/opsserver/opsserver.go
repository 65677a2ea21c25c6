// Package opsserver exposes a small read-only HTTP surface for operators:
// a liveness probe and the latest process-risk snapshot. Authentication is
// optional RS256 JWT bearer validation, left disabled when no public key is
// configured (local/dev deployments).
package opsserver

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/sentinel/internal/snapshot"
)

// Status is the payload returned by /healthz.
type Status struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	QueueDepth  int     `json:"queue_depth"`
	LastAlertAt string  `json:"last_alert_at,omitempty"`
}

// HealthSource supplies the live values reported at /healthz. The agent
// orchestrator implements this.
type HealthSource interface {
	QueueDepth() int
	LastAlertAt() time.Time
}

// Server holds the most recently built snapshot.State and serves it
// read-only, alongside a liveness probe backed by a HealthSource.
type Server struct {
	startTime time.Time
	health    HealthSource

	mu       sync.RWMutex
	snapshot snapshot.State
}

// New constructs a Server. health may be nil, in which case /healthz
// reports only uptime.
func New(health HealthSource) *Server {
	return &Server{startTime: time.Now(), health: health}
}

// SetSnapshot updates the state served at /snapshot. Called by the
// orchestrator each time a new snapshot is written to disk.
func (s *Server) SetSnapshot(state snapshot.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = state
}

func (s *Server) currentSnapshot() snapshot.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Status:  "ok",
		UptimeS: time.Since(s.startTime).Seconds(),
	}
	if s.health != nil {
		status.QueueDepth = s.health.QueueDepth()
		if last := s.health.LastAlertAt(); !last.IsZero() {
			status.LastAlertAt = last.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSnapshot())
}

// Claims extends jwt.RegisteredClaims with no additional fields; reserved
// for future operator-identity claims.
type Claims struct {
	jwt.RegisteredClaims
}

// jwtMiddleware validates RS256 Bearer tokens against pubKey. On failure it
// responds 401 and does not call next.
func jwtMiddleware(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "Authorization header must be Bearer token")
				return
			}

			token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return pubKey, nil
			}, jwt.WithValidMethods([]string{"RS256"}))

			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter returns a configured chi.Router serving /healthz (always
// unauthenticated) and /snapshot (RS256-protected when pubKey is non-nil).
func NewRouter(s *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if pubKey != nil {
			r.Use(jwtMiddleware(pubKey))
		}
		r.Get("/snapshot", s.handleSnapshot)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
