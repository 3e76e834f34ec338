// Package auth verifies bearer tokens issued by the identity service and puts
// the authenticated payer on the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken is returned when the token fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey struct{}

// Config configures token verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Claims are the token claims. The subject is the payer id.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens.
type Verifier struct {
	secret  []byte
	options []jwt.ParserOption
}

// NewVerifier creates a Verifier. The secret is required.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{secret: []byte(cfg.Secret), options: opts}, nil
}

// Verify parses the token and returns the payer id from its subject.
func (v *Verifier) Verify(tokenString string) (string, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, v.options...)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Sign issues a token for parentID. Used by tests and local tooling.
func Sign(cfg Config, parentID string, ttl time.Duration) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("JWT_SECRET is required")
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   parentID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// Middleware rejects requests without a valid bearer token and stores the
// payer id on the context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			writeUnauthorized(w, ErrMissingToken)
			return
		}
		parentID, err := v.Verify(token)
		if err != nil {
			writeUnauthorized(w, ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithParentID(r.Context(), parentID)))
	})
}

// WithParentID stores the authenticated payer on ctx.
func WithParentID(ctx context.Context, parentID string) context.Context {
	return context.WithValue(ctx, contextKey{}, parentID)
}

// ParentID returns the authenticated payer, or "".
func ParentID(r *http.Request) string {
	if id, ok := r.Context().Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// tokenFromRequest reads "Authorization: Bearer <token>".
func tokenFromRequest(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="tiersync"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
}
