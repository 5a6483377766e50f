package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const (
	ctxUserIDKey ctxKey = "uid"
	ctxRoleKey   ctxKey = "role"
)

// UserID returns the authenticated caller, if any.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxUserIDKey).(string)
	return v, ok && v != ""
}

// Role returns the authenticated caller's role, if any.
func Role(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxRoleKey).(string)
	return v, ok
}

// WithUser attaches an identity to ctx.
func WithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserIDKey, userID)
	return context.WithValue(ctx, ctxRoleKey, role)
}

// Claims are the access-token claims issued by the auth service.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens. Token issuance lives elsewhere.
//
//	DEV:       Bearer dev-<user id>
//	DEV/PROD:  Bearer <HS256 JWT>
type Authenticator struct {
	secret []byte
	dev    bool
}

func NewAuthenticator(secret string, dev bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), dev: dev}
}

var errInvalidToken = errors.New("invalid access token")

// Parse validates token and returns its claims.
func (a *Authenticator) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ah := r.Header.Get("Authorization")
		if ah == "" || !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized", nil)
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])

		if a.dev && strings.HasPrefix(token, "dev-") {
			uid := strings.TrimPrefix(token, "dev-")
			if uid == "" {
				writeError(w, http.StatusUnauthorized, "invalid access token", "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), uid, "student")))
			return
		}

		claims, err := a.Parse(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid access token", "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.UserID, claims.Role)))
	})
}
