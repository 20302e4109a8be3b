package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// EmailHeader is set by the access proxy after it authenticated the volunteer
	EmailHeader = "Cf-Access-Authenticated-User-Email"
	// AssertionHeader carries the signed access token
	AssertionHeader = "Cf-Access-Jwt-Assertion"
)

type contextKey string

const VolunteerKey contextKey = "volunteer_email"

var ErrNoIdentity = errors.New("no volunteer identity")

// JWTValidator handles access token validation
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// NewJWTValidator creates a new JWT validator
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		// Try parsing as PKIX
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &JWTValidator{
		publicKey: publicKey,
		issuer:    issuer,
		audience:  audience,
	}, nil
}

// ValidateToken validates an access token and returns the volunteer email
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}

	email, ok := claims["email"].(string)
	if !ok || strings.TrimSpace(email) == "" {
		return "", fmt.Errorf("missing or invalid email claim")
	}

	return normalizeEmail(email), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Identifier resolves the volunteer behind a request. Sources are tried in
// order: the proxy email header (when trusted), the access token, then the
// dev email.
type Identifier struct {
	validator   *JWTValidator
	trustHeader bool
	devEmail    string
}

// NewIdentifier accepts a nil validator when tokens are not checked
func NewIdentifier(v *JWTValidator, trustHeader bool, devEmail string) *Identifier {
	return &Identifier{
		validator:   v,
		trustHeader: trustHeader,
		devEmail:    normalizeEmail(devEmail),
	}
}

// Identify returns the volunteer email for r
func (i *Identifier) Identify(r *http.Request) (string, error) {
	if i.trustHeader {
		if email := normalizeEmail(r.Header.Get(EmailHeader)); email != "" {
			return email, nil
		}
	}

	if token := assertion(r); token != "" && i.validator != nil {
		email, err := i.validator.ValidateToken(token)
		if err != nil {
			return "", err
		}
		return email, nil
	}

	if i.devEmail != "" {
		return i.devEmail, nil
	}
	return "", ErrNoIdentity
}

// assertion reads the token from its header, a bearer Authorization header
// or the CF_Authorization cookie.
func assertion(r *http.Request) string {
	if t := r.Header.Get(AssertionHeader); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie("CF_Authorization"); err == nil {
		return c.Value
	}
	return ""
}

// HTTPMiddleware rejects requests without a volunteer identity and stores
// the email in the request context
func (i *Identifier) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health checks and ping endpoints
		if r.URL.Path == "/healthz" || r.URL.Path == "/api/ping" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		email, err := i.Identify(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "Unauthorized"})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithVolunteer(r.Context(), email)))
	})
}

// WithVolunteer stores the volunteer email in ctx
func WithVolunteer(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, VolunteerKey, email)
}

// VolunteerFromContext extracts the volunteer email from context
func VolunteerFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(VolunteerKey).(string)
	return email, ok && email != ""
}
