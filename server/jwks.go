package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// JWKSManager owns the RS256 signing keys behind access and id tokens and
// exposes their public halves at the JWKS endpoint. It keeps one previous key
// so tokens signed just before a rotation still validate.
type JWKSManager struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewJWKSManager loads keys from secretsPath or creates a fresh pair.
func NewJWKSManager(secretsPath string, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{logger: logger}
	if secretsPath != "" {
		m.storePath = filepath.Join(secretsPath, "jwks.json")
		if err := m.loadFromDisk(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load jwks: %w", err)
			}
		}
	}
	if m.current.PrivateKey == nil {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation launches a background rotation ticker. A zero interval
// disables rotation.
func (m *JWKSManager) StartRotation(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	m.rotateEvery = interval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs the claims with the current key, stamping its kid.
func (m *JWKSManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	return token.SignedString(m.current.PrivateKey)
}

// Keyfunc resolves the verification key during JWT validation.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *JWKSManager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		m.previous = append([]keyPair{m.current}, m.previous...)
		if len(m.previous) > 1 {
			m.previous = m.previous[:1]
		}
	}
	m.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	m.mu.Unlock()

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.JWK}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *JWKSManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in jwks file")
	}
	var prev []keyPair
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := keyPair{PrivateKey: priv, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()}
		if i == 0 {
			m.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	m.previous = prev
	if m.current.PrivateKey == nil {
		return errors.New("no usable private key in jwks file")
	}
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
