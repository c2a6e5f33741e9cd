package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestJWKS(t *testing.T, secretsPath string) *JWKSManager {
	t.Helper()
	m, err := NewJWKSManager(secretsPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewJWKSManager returned error: %v", err)
	}
	return m
}

func TestJWKSSignAndVerify(t *testing.T) {
	m := newTestJWKS(t, "")

	signed, err := m.Sign(jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Minute).Unix()})
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	token, err := jwt.Parse(signed, m.Keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("parse signed token: %v", err)
	}
	if !token.Valid {
		t.Fatal("token did not validate")
	}
	if kid, _ := token.Header["kid"].(string); kid == "" {
		t.Fatal("signed token missing kid header")
	}
}

func TestJWKSRotationKeepsPreviousKey(t *testing.T) {
	m := newTestJWKS(t, "")

	signed, err := m.Sign(jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Minute).Unix()})
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	if err := m.rotate(); err != nil {
		t.Fatalf("rotate returned error: %v", err)
	}

	// Tokens signed before the rotation still verify through the kept key.
	if _, err := jwt.Parse(signed, m.Keyfunc, jwt.WithValidMethods([]string{"RS256"})); err != nil {
		t.Fatalf("pre-rotation token no longer validates: %v", err)
	}

	set := m.PublicJWKS()
	if len(set.Keys) != 2 {
		t.Fatalf("PublicJWKS has %d keys, want 2", len(set.Keys))
	}
}

func TestJWKSPersistAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first := newTestJWKS(t, dir)
	signed, err := first.Sign(jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Minute).Unix()})
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	second := newTestJWKS(t, dir)
	if _, err := jwt.Parse(signed, second.Keyfunc, jwt.WithValidMethods([]string{"RS256"})); err != nil {
		t.Fatalf("token signed before restart no longer validates: %v", err)
	}
}

func TestPublicJWKSExposesNoPrivateMaterial(t *testing.T) {
	m := newTestJWKS(t, "")

	payload, err := json.Marshal(m.PublicJWKS())
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	// RSA private parameters would serialize as d/p/q fields.
	for _, field := range []string{`"d"`, `"p"`, `"q"`} {
		if strings.Contains(string(payload), field+":") {
			t.Fatalf("public JWKS leaks private field %s: %s", field, payload)
		}
	}
}
