package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type testIssuer struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
	hits   int
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ti := &testIssuer{key: key, kid: "test-kid"}
	ti.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ti.hits++
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: ti.key.Public(), KeyID: ti.kid, Algorithm: "RS256", Use: "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(ti.server.Close)
	return ti
}

func (ti *testIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = ti.kid
	signed, err := tok.SignedString(ti.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":       "https://auth.example.com",
		"sub":       "user-1",
		"aud":       "api",
		"scope":     "openid profile",
		"client_id": "webapp",
		"sid":       "sess-1",
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
}

func TestValidatorAcceptsGoodToken(t *testing.T) {
	issuer := newTestIssuer(t)
	v := NewValidator(ValidatorConfig{
		Issuer:            "https://auth.example.com",
		JWKSURL:           issuer.server.URL,
		ExpectedAudiences: []string{"api"},
	})

	claims, err := v.Validate(context.Background(), issuer.sign(t, baseClaims()))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if claims.SessionID != "sess-1" {
		t.Errorf("session id = %q", claims.SessionID)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != "openid" {
		t.Errorf("scopes = %v", claims.Scopes)
	}
	if err := v.HasScopes(claims, "openid"); err != nil {
		t.Errorf("HasScopes(openid): %v", err)
	}
	if err := v.HasScopes(claims, "admin"); err == nil {
		t.Error("missing scope must be reported")
	}
}

func TestValidatorRejections(t *testing.T) {
	issuer := newTestIssuer(t)

	cases := []struct {
		name   string
		cfg    ValidatorConfig
		mutate func(jwt.MapClaims)
	}{
		{
			name: "wrong issuer",
			cfg:  ValidatorConfig{Issuer: "https://other.example", JWKSURL: issuer.server.URL},
		},
		{
			name: "audience rejected",
			cfg: ValidatorConfig{
				Issuer: "https://auth.example.com", JWKSURL: issuer.server.URL,
				ExpectedAudiences: []string{"some-other-api"},
			},
		},
		{
			name:   "expired",
			cfg:    ValidatorConfig{Issuer: "https://auth.example.com", JWKSURL: issuer.server.URL},
			mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
		},
		{
			name:   "missing sub",
			cfg:    ValidatorConfig{Issuer: "https://auth.example.com", JWKSURL: issuer.server.URL},
			mutate: func(c jwt.MapClaims) { delete(c, "sub") },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			if tc.mutate != nil {
				tc.mutate(claims)
			}
			v := NewValidator(tc.cfg)
			if _, err := v.Validate(context.Background(), issuer.sign(t, claims)); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestValidatorCachesJWKS(t *testing.T) {
	issuer := newTestIssuer(t)
	v := NewValidator(ValidatorConfig{
		Issuer:  "https://auth.example.com",
		JWKSURL: issuer.server.URL,
	})

	token := issuer.sign(t, baseClaims())
	for i := 0; i < 3; i++ {
		if _, err := v.Validate(context.Background(), token); err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
	}
	if issuer.hits != 1 {
		t.Fatalf("jwks fetched %d times, want 1", issuer.hits)
	}
}

func TestValidatorRefreshesOnUnknownKid(t *testing.T) {
	issuer := newTestIssuer(t)
	v := NewValidator(ValidatorConfig{
		Issuer:  "https://auth.example.com",
		JWKSURL: issuer.server.URL,
	})

	// Warm the cache with the original key.
	if _, err := v.Validate(context.Background(), issuer.sign(t, baseClaims())); err != nil {
		t.Fatalf("warm validate: %v", err)
	}

	// Rotate the signing key behind the validator's back.
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer.key = key
	issuer.kid = "rotated-kid"

	if _, err := v.Validate(context.Background(), issuer.sign(t, baseClaims())); err != nil {
		t.Fatalf("validate after rotation: %v", err)
	}
	if issuer.hits < 2 {
		t.Fatalf("expected a refetch after kid miss, hits=%d", issuer.hits)
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	issuer := newTestIssuer(t)
	v := NewValidator(ValidatorConfig{
		Issuer:  "https://auth.example.com",
		JWKSURL: issuer.server.URL,
	})

	var got *Claims
	handler := RequireAuth(v, "profile")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+issuer.sign(t, baseClaims()))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: got %d", rec.Code)
	}
	if got == nil || got.Subject != "user-1" {
		t.Fatalf("claims not injected: %+v", got)
	}

	// Scope gate.
	claims := baseClaims()
	claims["scope"] = "openid"
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+issuer.sign(t, claims))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing scope: got %d", rec.Code)
	}
}
