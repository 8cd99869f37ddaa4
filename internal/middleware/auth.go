// Package middleware provides HTTP middleware for the payments service
package middleware

import (
	"context"
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Asupkay/vibe-platform/internal/errors"
	"github.com/Asupkay/vibe-platform/internal/httputil"
	"github.com/Asupkay/vibe-platform/internal/logging"
)

// Claims are the JWT claims issued to platform users and agents.
type Claims struct {
	Handle        string `json:"handle"`
	UserID        string `json:"user_id,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
	AuthMethod    string `json:"auth_method,omitempty"`
	Role          string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Subject returns the handle the token speaks for.
func (c *Claims) Subject() string {
	if c.Handle != "" {
		return cleanHandle(c.Handle)
	}
	return c.UserID
}

// AuthMiddleware authenticates requests.
//
// With a public key configured, a valid RS256 bearer token is required and its
// handle is placed in the request context. Without one, only the presence of an
// Authorization header is enforced and the caller stays anonymous.
type AuthMiddleware struct {
	publicKey *rsa.PublicKey
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the middleware. publicKey may be nil.
func NewAuthMiddleware(publicKey *rsa.PublicKey, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{
		publicKey: publicKey,
		logger:    logger,
		skipPaths: skip,
	}
}

// ParsePublicKey decodes a PEM encoded RSA public key. An empty string yields nil.
func ParsePublicKey(pem string) (*rsa.PublicKey, error) {
	pem = strings.TrimSpace(pem)
	if pem == "" {
		return nil, nil
	}
	// Env files often carry the PEM on one line with literal \n.
	pem = strings.ReplaceAll(pem, `\n`, "\n")
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, errors.Configuration("JWT_PUBLIC_KEY is not a valid RSA public key")
	}
	return key, nil
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("Missing Authorization header"))
			return
		}

		if m.publicKey == nil {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.respondError(w, r, errors.Unauthorized("Invalid Authorization header format"))
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.Subject())
		if claims.Role != "" {
			ctx = context.WithValue(ctx, logging.RoleKey, claims.Role)
		}

		m.logger.WithContext(ctx).WithField("auth_method", claims.AuthMethod).Debug("authenticated")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.publicKey, nil
	})
	if err != nil {
		return nil, errors.InvalidToken(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	if claims.Subject() == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "token has no handle")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteServiceError(w, r, err)

	m.logger.LogSecurityEvent(r.Context(), "authentication_failed", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"error":  err.Error(),
	})
}

// CallerHandle returns the authenticated handle, or "" for anonymous callers.
func CallerHandle(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// CanActAs reports whether the caller may act for handle. Anonymous callers
// (no verification key configured) are allowed.
func CanActAs(ctx context.Context, handle string) bool {
	caller := CallerHandle(ctx)
	if caller == "" {
		return true
	}
	return strings.EqualFold(caller, cleanHandle(handle))
}

// Roles that may make platform-internal writes such as treasury credits.
const (
	RoleService = "service"
	RoleAdmin   = "admin"
)

// IsPlatformCaller reports whether the caller holds a service or admin role.
// Anonymous callers are allowed, as in CanActAs.
func IsPlatformCaller(ctx context.Context) bool {
	if CallerHandle(ctx) == "" {
		return true
	}
	switch logging.GetRole(ctx) {
	case RoleService, RoleAdmin:
		return true
	}
	return false
}

func cleanHandle(h string) string {
	return strings.TrimPrefix(strings.TrimSpace(h), "@")
}
