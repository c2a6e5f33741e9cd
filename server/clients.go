package server

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ClientRegistry holds registered OAuth2 clients. Reads vastly outnumber
// admin mutations, so a plain RWMutex suffices.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration. Plaintext secrets
// in config are hashed immediately and discarded.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, fmt.Errorf("client_id required")
		}
		hash := cfg.SecretHash
		if cfg.Secret != "" {
			h, err := bcrypt.GenerateFromPassword([]byte(cfg.Secret), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash secret for %s: %w", cfg.ClientID, err)
			}
			hash = string(h)
		}
		clients[cfg.ClientID] = &Client{
			ClientID:     cfg.ClientID,
			SecretHash:   hash,
			Confidential: hash != "",
			RedirectURIs: cfg.RedirectURIs,
			Scopes:       cfg.Scopes,
			Description:  cfg.Description,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Lookup retrieves a client definition.
func (cr *ClientRegistry) Lookup(id string) (*Client, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	client, ok := cr.clients[id]
	return client, ok
}

// Add registers or replaces a client (administrative mutation).
func (cr *ClientRegistry) Add(client *Client) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.clients[client.ClientID] = client
}

// Remove deregisters a client. The caller is responsible for cascading
// deletion of the client's stored artifacts.
func (cr *ClientRegistry) Remove(id string) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if _, ok := cr.clients[id]; !ok {
		return false
	}
	delete(cr.clients, id)
	return true
}

// Authenticate validates client credentials. Public clients authenticate by
// id alone. The response never distinguishes unknown client from bad secret;
// bcrypt keeps the comparison fixed-cost either way.
func (cr *ClientRegistry) Authenticate(id, secret string) (*Client, error) {
	cr.mu.RLock()
	client, ok := cr.clients[id]
	cr.mu.RUnlock()
	if !ok {
		// Burn a comparison so unknown ids cost the same as bad secrets.
		_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(secret))
		return nil, fmt.Errorf("unknown client %q: %w", id, ErrInvalidClient)
	}
	if !client.Confidential {
		if secret != "" {
			return nil, fmt.Errorf("public client presented secret: %w", ErrInvalidClient)
		}
		return client, nil
	}
	if secret == "" {
		return nil, fmt.Errorf("confidential client without secret: %w", ErrInvalidClient)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("secret mismatch: %w", ErrInvalidClient)
	}
	return client, nil
}

// dummySecretHash is a bcrypt hash of a random throwaway value, used to keep
// the unknown-client path on the same cost profile as a real comparison.
var dummySecretHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("authd-dummy-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// ValidRedirect requires an exact string match against the registered set.
// No prefix or wildcard matching: partial matches are how open redirects
// happen.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// isSafeRedirectURI rejects URIs that could smuggle the browser somewhere
// other than the literal registered target.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || u.User != nil || u.Fragment != "" {
		return false
	}
	return true
}

// ValidateScopes ensures requested scopes are a subset of the client's
// allowed scopes.
func (c *Client) ValidateScopes(scope string) bool {
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(c.Scopes, sc) {
			return false
		}
	}
	return true
}
