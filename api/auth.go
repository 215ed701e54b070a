/*
auth.go - Caller identity for HTTP requests

PURPOSE:
  Every core operation takes the caller's generic.UserID explicitly. This
  middleware resolves it once per request and stores a generic.Actor in the
  request context.

IDENTITY SOURCES:
  JWT_SECRET set:    Authorization: Bearer <HS256 token with "user_id" claim>
  JWT_SECRET empty:  X-User-ID: <user id>            (development only)

  Users listed in ADMIN_USER_IDS act as admins: they may approve, reject,
  mark paid and regenerate on any account and read /api/admin/stats.

ERRORS:
  401 missing or invalid credentials on a route that needs a caller
  403 non-admin on an admin route
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kotize/savings-engine/generic"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization required")
)

// Claims are the JWT claims the server accepts.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator resolves the caller of a request.
type Authenticator struct {
	secret []byte
	admins map[generic.UserID]bool
	ttl    time.Duration
}

func NewAuthenticator(secret string, admins []string) *Authenticator {
	a := &Authenticator{
		secret: []byte(secret),
		admins: make(map[generic.UserID]bool, len(admins)),
		ttl:    24 * time.Hour,
	}
	for _, id := range admins {
		a.admins[generic.UserID(id)] = true
	}
	return a
}

// UsesTokens reports whether bearer tokens are required.
func (a *Authenticator) UsesTokens() bool { return len(a.secret) > 0 }

// IssueToken signs a token for user. Used by demo scenarios and tests.
func (a *Authenticator) IssueToken(user generic.UserID) (string, error) {
	if !a.UsesTokens() {
		return "", errors.New("no JWT secret configured")
	}
	now := time.Now()
	claims := &Claims{
		UserID: string(user),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// resolve returns the caller, or an empty actor when the request carries no
// identity.
func (a *Authenticator) resolve(r *http.Request) (generic.Actor, error) {
	var user string
	if a.UsesTokens() {
		header := r.Header.Get("Authorization")
		if header == "" {
			return generic.Actor{}, nil
		}
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			return generic.Actor{}, fmt.Errorf("%w: expected Bearer scheme", ErrInvalidToken)
		}
		claims, err := a.validate(strings.TrimSpace(tokenString))
		if err != nil {
			return generic.Actor{}, err
		}
		user = claims.UserID
	} else {
		user = strings.TrimSpace(r.Header.Get("X-User-ID"))
	}
	if user == "" {
		return generic.Actor{}, nil
	}
	id := generic.UserID(user)
	return generic.Actor{UserID: id, Admin: a.admins[id]}, nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type actorKey struct{}

// Identify stores the caller, if any, in the request context. Invalid
// tokens are rejected; anonymous requests pass through.
func (a *Authenticator) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.resolve(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid credentials", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// RequireUser rejects anonymous requests.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ActorFrom(r.Context()).UserID == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required", ErrMissingToken)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects callers that are not admins.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := ActorFrom(r.Context())
		if actor.UserID == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required", ErrMissingToken)
			return
		}
		if !actor.Admin {
			writeError(w, http.StatusForbidden, "Admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ActorFrom returns the caller stored by Identify.
func ActorFrom(ctx context.Context) generic.Actor {
	actor, _ := ctx.Value(actorKey{}).(generic.Actor)
	return actor
}
