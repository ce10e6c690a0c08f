// Package middleware provides HTTP middleware for the custody API.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jsegovia1984/KipuBankV2/internal/httputil"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

// PrincipalHeader carries the caller identity when header principals are
// trusted.
const PrincipalHeader = "X-Principal"

type principalKey struct{}

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Claims are the accepted JWT claims. The subject is the principal.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthConfig configures the authenticator.
type AuthConfig struct {
	Secret      []byte
	Issuer      string
	AllowHeader bool
	SkipPaths   []string
}

// AuthMiddleware resolves the calling principal from an HS256 bearer token,
// an access_token query parameter (websocket clients) or, when allowed, the
// X-Principal header.
type AuthMiddleware struct {
	secret      []byte
	issuer      string
	allowHeader bool
	skipPaths   map[string]bool
	log         *logger.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(cfg AuthConfig, log *logger.Logger) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{
		secret:      cfg.Secret,
		issuer:      cfg.Issuer,
		allowHeader: cfg.AllowHeader,
		skipPaths:   skip,
		log:         log,
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := m.principal(r)
		if err != nil {
			m.log.WithError(err).WithFields(map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warn("authentication failed")
			httputil.WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (m *AuthMiddleware) principal(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", errInvalidToken
		}
		return m.validateToken(strings.TrimSpace(parts[1]))
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return m.validateToken(token)
	}
	if m.allowHeader {
		if p := strings.TrimSpace(r.Header.Get(PrincipalHeader)); p != "" {
			return p, nil
		}
	}
	return "", errMissingToken
}

func (m *AuthMiddleware) validateToken(raw string) (string, error) {
	if len(m.secret) == 0 {
		return "", errInvalidToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

// SignToken issues an HS256 token for principal. Used by tooling and tests.
func SignToken(secret []byte, issuer, principal string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = principal
	if issuer != "" {
		claims.Issuer = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: claims}).SignedString(secret)
}

// WithPrincipal stores the caller identity in ctx.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom extracts the caller identity.
func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
