package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the data-access boundary for all protocol state. Every single-use
// artifact has a consume operation that performs an atomic test-and-set:
// exactly one concurrent caller wins, all others get ErrNotFound, ErrExpired,
// or ErrReplayed.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUser(ctx context.Context, u User) error

	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	RevokeSession(ctx context.Context, id string, at time.Time) error
	RevokeUserSessions(ctx context.Context, userID string, at time.Time) (int, error)

	SaveAuthRequest(ctx context.Context, req AuthRequest) error
	ConsumeAuthRequest(ctx context.Context, id string, now time.Time) (AuthRequest, error)

	SaveAuthCode(ctx context.Context, code AuthorizationCode) error
	ConsumeAuthCode(ctx context.Context, code string, now time.Time) (AuthorizationCode, error)

	SaveRefreshToken(ctx context.Context, rt RefreshToken) error
	// ConsumeRefreshToken marks the token rotated. On ErrReplayed the stale
	// record is still returned so the caller can revoke the session family.
	ConsumeRefreshToken(ctx context.Context, id string, now time.Time) (RefreshToken, error)
	RevokeSessionTokens(ctx context.Context, sessionID string) error
	RevokeUserTokens(ctx context.Context, userID string) (int, error)

	SaveLoginToken(ctx context.Context, lt LoginToken) error
	ConsumeLoginToken(ctx context.Context, id string, purpose LoginTokenPurpose, now time.Time) (LoginToken, error)

	// DeleteClientArtifacts cascades removal of pending requests, codes, and
	// refresh tokens belonging to a deregistered client.
	DeleteClientArtifacts(ctx context.Context, clientID string) error

	// Sweep drops expired rows so storage stays bounded.
	Sweep(ctx context.Context, now time.Time) error
}

// NewID generates a high-entropy opaque identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// InMemoryStore keeps all state in mutex-guarded maps. It is the default
// backing for dev mode and tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	users         map[string]User
	usersByEmail  map[string]string
	sessions      map[string]Session
	authRequests  map[string]AuthRequest
	authCodes     map[string]AuthorizationCode
	refreshTokens map[string]RefreshToken
	loginTokens   map[string]LoginToken
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:         make(map[string]User),
		usersByEmail:  make(map[string]string),
		sessions:      make(map[string]Session),
		authRequests:  make(map[string]AuthRequest),
		authCodes:     make(map[string]AuthorizationCode),
		refreshTokens: make(map[string]RefreshToken),
		loginTokens:   make(map[string]LoginToken),
	}
}

func (s *InMemoryStore) CreateUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, taken := s.usersByEmail[key]; taken {
		return ErrConflict
	}
	s.users[u.ID] = u
	s.usersByEmail[key] = u.ID
	return nil
}

func (s *InMemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *InMemoryStore) UpdateUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *InMemoryStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.RevokedAt.IsZero() {
		sess.RevokedAt = at
		s.sessions[id] = sess
	}
	return nil
}

func (s *InMemoryStore) RevokeUserSessions(ctx context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt.IsZero() {
			sess.RevokedAt = at
			s.sessions[id] = sess
			n++
		}
	}
	for id, rt := range s.refreshTokens {
		if rt.UserID == userID && !rt.Revoked {
			rt.Revoked = true
			s.refreshTokens[id] = rt
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveAuthRequest(ctx context.Context, req AuthRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authRequests[req.ID] = req
	return nil
}

func (s *InMemoryStore) ConsumeAuthRequest(ctx context.Context, id string, now time.Time) (AuthRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.authRequests[id]
	if !ok {
		return AuthRequest{}, ErrNotFound
	}
	if req.Consumed {
		return AuthRequest{}, ErrReplayed
	}
	if now.After(req.ExpiresAt) {
		delete(s.authRequests, id)
		return AuthRequest{}, ErrExpired
	}
	req.Consumed = true
	s.authRequests[id] = req
	return req, nil
}

func (s *InMemoryStore) SaveAuthCode(ctx context.Context, code AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = code
	return nil
}

func (s *InMemoryStore) ConsumeAuthCode(ctx context.Context, code string, now time.Time) (AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.authCodes[code]
	if !ok {
		return AuthorizationCode{}, ErrNotFound
	}
	if ac.Consumed {
		return AuthorizationCode{}, ErrReplayed
	}
	if now.After(ac.ExpiresAt) {
		delete(s.authCodes, code)
		return AuthorizationCode{}, ErrExpired
	}
	ac.Consumed = true
	s.authCodes[code] = ac
	return ac, nil
}

func (s *InMemoryStore) SaveRefreshToken(ctx context.Context, rt RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[rt.ID] = rt
	return nil
}

func (s *InMemoryStore) ConsumeRefreshToken(ctx context.Context, id string, now time.Time) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[id]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	if rt.Revoked {
		return RefreshToken{}, ErrNotFound
	}
	if rt.Rotated {
		return rt, ErrReplayed
	}
	if now.After(rt.ExpiresAt) {
		delete(s.refreshTokens, id)
		return RefreshToken{}, ErrExpired
	}
	rt.Rotated = true
	s.refreshTokens[id] = rt
	return rt, nil
}

func (s *InMemoryStore) RevokeSessionTokens(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.refreshTokens {
		if rt.SessionID == sessionID && !rt.Revoked {
			rt.Revoked = true
			s.refreshTokens[id] = rt
		}
	}
	return nil
}

func (s *InMemoryStore) RevokeUserTokens(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rt := range s.refreshTokens {
		if rt.UserID == userID && !rt.Revoked {
			rt.Revoked = true
			s.refreshTokens[id] = rt
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveLoginToken(ctx context.Context, lt LoginToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginTokens[lt.ID] = lt
	return nil
}

func (s *InMemoryStore) ConsumeLoginToken(ctx context.Context, id string, purpose LoginTokenPurpose, now time.Time) (LoginToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lt, ok := s.loginTokens[id]
	if !ok || lt.Purpose != purpose {
		return LoginToken{}, ErrNotFound
	}
	if lt.Consumed {
		return LoginToken{}, ErrReplayed
	}
	if now.After(lt.ExpiresAt) {
		delete(s.loginTokens, id)
		return LoginToken{}, ErrExpired
	}
	lt.Consumed = true
	s.loginTokens[id] = lt
	return lt, nil
}

func (s *InMemoryStore) DeleteClientArtifacts(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, req := range s.authRequests {
		if req.ClientID == clientID {
			delete(s.authRequests, id)
		}
	}
	for code, ac := range s.authCodes {
		if ac.ClientID == clientID {
			delete(s.authCodes, code)
		}
	}
	for id, rt := range s.refreshTokens {
		if rt.ClientID == clientID {
			delete(s.refreshTokens, id)
		}
	}
	return nil
}

func (s *InMemoryStore) Sweep(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, req := range s.authRequests {
		if now.After(req.ExpiresAt) {
			delete(s.authRequests, id)
		}
	}
	for code, ac := range s.authCodes {
		if now.After(ac.ExpiresAt) {
			delete(s.authCodes, code)
		}
	}
	for id, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, id)
		}
	}
	for id, lt := range s.loginTokens {
		if now.After(lt.ExpiresAt) {
			delete(s.loginTokens, id)
		}
	}
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
	return nil
}
