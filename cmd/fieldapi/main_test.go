package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/fieldqueue/internal/auth"
	"github.com/austindbirch/fieldqueue/internal/config"
	"github.com/austindbirch/fieldqueue/internal/contacts"
	"github.com/austindbirch/fieldqueue/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func publicKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestNewIdentifier(t *testing.T) {
	pub := publicKeyPEM(t)

	tests := []struct {
		name    string
		cfg     config.API
		wantErr bool
	}{
		{name: "trusted header", cfg: config.API{TrustEmailHeader: true}},
		{name: "dev email only", cfg: config.API{DevEmail: "dev@example.org"}},
		{name: "access key", cfg: config.API{AccessPublicKey: pub, AccessIssuer: "https://team.example.org"}},
		{name: "access key with escaped newlines", cfg: config.API{AccessPublicKey: strings.ReplaceAll(pub, "\n", `\n`)}},
		{name: "bad key", cfg: config.API{AccessPublicKey: "not a key", TrustEmailHeader: true}, wantErr: true},
		{name: "no source", cfg: config.API{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ident, err := newIdentifier(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newIdentifier() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && ident == nil {
				t.Error("newIdentifier() returned nil identifier")
			}
		})
	}
}

func TestNewIdentifier_DevEmail(t *testing.T) {
	ident, err := newIdentifier(config.API{DevEmail: "Dev@Example.org"})
	if err != nil {
		t.Fatalf("newIdentifier() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/call", nil)
	email, err := ident.Identify(req)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if email != "dev@example.org" {
		t.Errorf("Identify() = %q, want dev@example.org", email)
	}
}

func TestServe(t *testing.T) {
	router := contacts.NewRouter(contacts.NewGuard(contacts.NewMemoryLog(), 0), contacts.RouterOptions{
		Identifier: auth.NewIdentifier(nil, true, ""),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, router) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/api/ping")
	if err != nil {
		t.Fatalf("GET /api/ping error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ping status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(base+"/api/call", "application/json", strings.NewReader(`{"voter_id":"V1"}`))
	if err != nil {
		t.Fatalf("POST /api/call error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated write status = %d, want 401", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve() did not stop after cancel")
	}
}
