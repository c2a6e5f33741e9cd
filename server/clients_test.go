package server

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testRegistry(t *testing.T) *ClientRegistry {
	t.Helper()
	reg, err := NewClientRegistry([]ClientConfig{
		{ClientID: "confidential", Secret: "s3cret", RedirectURIs: []string{"https://app.example/cb"}, Scopes: []string{"openid", "email"}},
		{ClientID: "public", RedirectURIs: []string{"https://spa.example/cb"}, Scopes: []string{"openid"}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestRegistryHashesPlaintextSecrets(t *testing.T) {
	reg := testRegistry(t)
	client, ok := reg.Lookup("confidential")
	if !ok {
		t.Fatal("client missing")
	}
	if client.SecretHash == "s3cret" {
		t.Fatal("plaintext secret must not survive loading")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte("s3cret")); err != nil {
		t.Fatalf("stored hash does not match secret: %v", err)
	}
	if !client.Confidential {
		t.Fatal("client with a secret must be confidential")
	}
}

func TestRegistryAuthenticate(t *testing.T) {
	reg := testRegistry(t)

	cases := []struct {
		name    string
		id      string
		secret  string
		wantErr bool
	}{
		{"confidential ok", "confidential", "s3cret", false},
		{"confidential wrong secret", "confidential", "nope", true},
		{"confidential no secret", "confidential", "", true},
		{"public ok", "public", "", false},
		{"public with stray secret", "public", "anything", true},
		{"unknown", "ghost", "s3cret", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := reg.Authenticate(tc.id, tc.secret)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidClient) {
					t.Fatalf("got %v, want ErrInvalidClient", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			if client.ClientID != tc.id {
				t.Fatalf("got client %q", client.ClientID)
			}
		})
	}
}

func TestRegistryAddRemove(t *testing.T) {
	reg := testRegistry(t)

	reg.Add(&Client{ClientID: "late", RedirectURIs: []string{"https://late.example/cb"}})
	if _, ok := reg.Lookup("late"); !ok {
		t.Fatal("added client not found")
	}
	if !reg.Remove("late") {
		t.Fatal("remove reported failure")
	}
	if _, ok := reg.Lookup("late"); ok {
		t.Fatal("removed client still present")
	}
	if reg.Remove("late") {
		t.Fatal("second remove must report false")
	}
}

func TestValidRedirectExactMatchOnly(t *testing.T) {
	client := &Client{
		ClientID:     "c",
		RedirectURIs: []string{"https://app.example/cb", "http://localhost:3000/callback"},
	}

	cases := []struct {
		uri  string
		want bool
	}{
		{"https://app.example/cb", true},
		{"http://localhost:3000/callback", true},
		{"https://app.example/cb/", false},
		{"https://app.example/cb?x=1", false},
		{"https://app.example/", false},
		{"https://evil.example/cb", false},
		{"//app.example/cb", false},
		{"https://user:pw@app.example/cb", false},
		{"https://app.example/cb#frag", false},
		{"custom-scheme://cb", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := client.ValidRedirect(tc.uri); got != tc.want {
			t.Errorf("ValidRedirect(%q) = %v, want %v", tc.uri, got, tc.want)
		}
	}
}

func TestValidateScopes(t *testing.T) {
	client := &Client{Scopes: []string{"openid", "profile", "email"}}

	cases := []struct {
		scope string
		want  bool
	}{
		{"openid", true},
		{"openid profile email", true},
		{"", true},
		{"openid admin", false},
		{"offline_access", false},
	}
	for _, tc := range cases {
		if got := client.ValidateScopes(tc.scope); got != tc.want {
			t.Errorf("ValidateScopes(%q) = %v, want %v", tc.scope, got, tc.want)
		}
	}
}
