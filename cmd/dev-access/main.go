// Command dev-access stands in for the access proxy during local drills. It
// mints signed volunteer assertions that fieldapi accepts in the
// Cf-Access-Jwt-Assertion header and publishes the matching public key.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/fieldqueue/internal/config"
	"github.com/austindbirch/fieldqueue/internal/logging"
)

const keyID = "fieldqueue-dev-1"

var logger = logging.New("dev-access")

type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type issuer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// newIssuer loads the signing key from PEM, or generates one when empty.
func newIssuer(privateKeyPEM, iss, aud string, ttl time.Duration) (*issuer, error) {
	var key *rsa.PrivateKey
	if privateKeyPEM = strings.ReplaceAll(privateKeyPEM, `\n`, "\n"); privateKeyPEM != "" {
		block, _ := pem.Decode([]byte(privateKeyPEM))
		if block == nil {
			return nil, errors.New("failed to decode PEM private key")
		}
		var err error
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err8 != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			rk, ok := parsed.(*rsa.PrivateKey)
			if !ok {
				return nil, errors.New("private key is not RSA")
			}
			key = rk
		}
	} else {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		logger.Plain().Info("generated new RSA key pair for access assertions")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &issuer{key: key, issuer: iss, audience: aud, ttl: ttl, now: time.Now}, nil
}

// mint signs an assertion for email.
func (i *issuer) mint(email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = i.ttl
	}
	now := i.now()
	claims := jwt.MapClaims{
		"sub":   email,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if i.issuer != "" {
		claims["iss"] = i.issuer
	}
	if i.audience != "" {
		claims["aud"] = i.audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	return token.SignedString(i.key)
}

// publicKeyPEM is what fieldapi reads from ACCESS_PUBLIC_KEY.
func (i *issuer) publicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&i.key.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (i *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/.well-known/jwks.json", i.jwksHandler)
	r.Get("/public-key.pem", i.publicKeyHandler)
	r.Post("/token", i.tokenHandler)
	r.Get("/healthz", healthHandler)
	return r
}

func (i *issuer) jwksHandler(w http.ResponseWriter, r *http.Request) {
	pub := i.key.PublicKey
	resp := JWKSResponse{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Kid: keyID,
		N:   base64UrlEncode(pub.N.Bytes()),
		E:   base64UrlEncode(intToBytes(pub.E)),
	}}}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(resp)
}

func (i *issuer) publicKeyHandler(w http.ResponseWriter, r *http.Request) {
	body, err := i.publicKeyPEM()
	if err != nil {
		http.Error(w, "failed to encode public key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(body)
}

func (i *issuer) tokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		TTL   int    `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	token, err := i.mint(email, ttl)
	if err != nil {
		logger.WithContext(r.Context()).WithVolunteer(email).WithError(err).Error("failed to sign assertion")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	if ttl <= 0 {
		ttl = i.ttl
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
		"header":     "Cf-Access-Jwt-Assertion",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("dev-access")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iss, err := newIssuer(cfg.DevAccess.PrivateKey, cfg.API.AccessIssuer, cfg.API.AccessAudience, cfg.DevAccess.TokenTTL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to load signing key")
	}

	srv := &http.Server{Addr: cfg.DevAccess.Port, Handler: iss.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Plain().
		WithField("addr", srv.Addr).
		WithField("issuer", cfg.API.AccessIssuer).
		WithField("audience", cfg.API.AccessAudience).
		Info("dev-access listening; POST /token, GET /public-key.pem")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("dev-access server failed")
	}
}

// base64UrlEncode encodes without padding
func base64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// intToBytes converts an integer to a big-endian byte slice
func intToBytes(i int) []byte {
	if i == 0 {
		return []byte{0}
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte(i & 0xff)}, b...)
		i >>= 8
	}
	return b
}
