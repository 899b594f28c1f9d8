// Package identity provides anonymous per-device learner identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
)

const (
	AnonCookieName   = "tutorloop_learner_id"
	anonCookieMaxAge = 180 * 24 * time.Hour
)

type contextKey int

const (
	learnerIDKey contextKey = iota
	displayNameKey
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// LearnerStore is the persistence the middleware needs.
type LearnerStore interface {
	GetLearner(ctx context.Context, learnerID string) (*domain.Learner, error)
	UpsertLearner(ctx context.Context, learner *domain.Learner) error
}

// LearnerIDFromContext extracts the learner ID from the request context.
func LearnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(learnerIDKey).(string); ok {
		return v
	}
	return ""
}

// DisplayNameFromContext extracts the learner's display name.
func DisplayNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(displayNameKey).(string); ok {
		return v
	}
	return ""
}

// WithLearner returns a context carrying learnerID.
func WithLearner(ctx context.Context, learnerID string) context.Context {
	ctx = context.WithValue(ctx, learnerIDKey, learnerID)
	return context.WithValue(ctx, displayNameKey, deriveDisplayName(learnerID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func deriveDisplayName(learnerID string) string {
	if len(learnerID) > 13 {
		return "estudiante-" + learnerID[len(learnerID)-6:]
	}
	return "estudiante"
}

// ensureLearner creates the learner row on first sight and refreshes
// last_seen_at afterwards.
func ensureLearner(ctx context.Context, repo LearnerStore, learnerID string) error {
	learner, err := repo.GetLearner(ctx, learnerID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		learner = &domain.Learner{ID: learnerID, DisplayName: deriveDisplayName(learnerID)}
	case err != nil:
		return err
	}
	learner.LastSeenAt = time.Now()
	return repo.UpsertLearner(ctx, learner)
}

func setCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setCookie(w, id, isDev)
	return id, nil
}

// Middleware injects the anonymous learner identity into the request context.
func Middleware(repo LearnerStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			learnerID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureLearner(r.Context(), repo, learnerID); err != nil {
				http.Error(w, `{"error":"failed to initialize learner"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithLearner(r.Context(), learnerID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
