package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/datadrivensurveys/dds/internal/models"
)

type sessionCtxKey int

const sessionKey sessionCtxKey = 7

// SessionClaims bind a participant's in-progress provider connections
// to one respondent identity across OAuth redirects. PendingProvider is
// set while an authorization round-trip is in flight.
type SessionClaims struct {
	ProjectID       string                   `json:"pid"`
	Accounts        []models.ProviderAccount `json:"accounts,omitempty"`
	PendingProvider string                   `json:"pending_provider,omitempty"`
	jwt.RegisteredClaims
}

// Sessions signs and verifies respondent session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl}
}

func (s *Sessions) Sign(claims SessionClaims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Sessions) Parse(tok string) (*SessionClaims, error) {
	t, err := jwt.ParseWithClaims(tok, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) { return s.secret, nil })
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*SessionClaims); ok && t.Valid {
		return c, nil
	}
	return nil, errors.New("invalid session token")
}

// WithSession attaches session claims to the context when a valid
// bearer token is present. Handlers that require a session use
// SessionFromContext and reject when absent.
func (s *Sessions) WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := s.Parse(tok); err == nil {
				ctx := context.WithValue(r.Context(), sessionKey, c)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func SessionFromContext(ctx context.Context) *SessionClaims {
	if c, ok := ctx.Value(sessionKey).(*SessionClaims); ok {
		return c
	}
	return nil
}
