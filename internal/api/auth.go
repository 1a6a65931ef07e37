package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey struct{}

// Claims identifies the calling user. The user id is taken from user_id,
// falling back to the registered subject.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) user() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Authenticator validates HS256 bearer tokens issued by the auth service.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator returns an error for an empty secret. An empty issuer
// skips the iss check.
func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("api: JWT secret is required")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}, nil
}

// Issue signs a token for userID valid for ttl.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(raw string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token claims")
	}
	if claims.user() == "" {
		return "", errors.New("token carries no user id")
	}
	return claims.user(), nil
}

// Middleware rejects requests without a valid bearer token and stores the
// user id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, raw, ok := strings.Cut(header, " ")
		if header == "" {
			writeError(w, "missing authentication token", http.StatusUnauthorized)
			return
		}
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			writeError(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}
		userID, err := a.parse(raw)
		if err != nil {
			writeError(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFrom returns the authenticated user id.
func UserFrom(ctx context.Context) (string, error) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("api: no user in context")
	}
	return id, nil
}
