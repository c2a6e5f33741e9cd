package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps so the string comparisons in the consume
// queries order the same way the times do. RFC3339Nano trims trailing
// zeros and would not.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT NOT NULL DEFAULT '',
	email_verified INTEGER NOT NULL DEFAULT 0,
	active_mfa TEXT NOT NULL DEFAULT '',
	pending_mfa TEXT NOT NULL DEFAULT '',
	mfa_secret TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device TEXT NOT NULL DEFAULT '',
	auth_time TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	revoked_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS auth_requests (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	response_type TEXT NOT NULL,
	scope TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT '',
	nonce TEXT NOT NULL DEFAULT '',
	code_challenge TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS auth_codes (
	code TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	nonce TEXT NOT NULL DEFAULT '',
	code_challenge TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	auth_time TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS refresh_tokens (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	rotated INTEGER NOT NULL DEFAULT 0,
	revoked INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS login_tokens (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	purpose TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore implements Store against an embedded SQLite database. Single-use
// consume operations rely on UPDATE ... WHERE consumed = 0 and RowsAffected,
// so exactly one concurrent consumer wins.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time; serialize on a single conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(sqliteTimeFormat, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, email_verified, active_mfa, pending_mfa, mfa_secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, boolToInt(u.EmailVerified),
		string(u.ActiveMFA), string(u.PendingMFA), u.MFASecret, fmtTime(u.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) scanUser(row *sql.Row) (User, error) {
	var u User
	var verified int
	var created, active, pending string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &verified, &active, &pending, &u.MFASecret, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.EmailVerified = verified != 0
	u.ActiveMFA = MFAMethod(active)
	u.PendingMFA = MFAMethod(pending)
	u.CreatedAt = parseTime(created)
	return u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, email_verified, active_mfa, pending_mfa, mfa_secret, created_at
		FROM users WHERE id = ?`, id))
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, email_verified, active_mfa, pending_mfa, mfa_secret, created_at
		FROM users WHERE email = ? COLLATE NOCASE`, email))
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, u User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, password_hash = ?, email_verified = ?, active_mfa = ?, pending_mfa = ?, mfa_secret = ?
		WHERE id = ?`,
		u.Email, u.PasswordHash, boolToInt(u.EmailVerified),
		string(u.ActiveMFA), string(u.PendingMFA), u.MFASecret, u.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, device, auth_time, created_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET expires_at = excluded.expires_at, revoked_at = excluded.revoked_at`,
		sess.ID, sess.UserID, sess.Device, fmtTime(sess.AuthTime),
		fmtTime(sess.CreatedAt), fmtTime(sess.ExpiresAt), fmtTime(sess.RevokedAt))
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var authTime, created, expires, revoked string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, device, auth_time, created_at, expires_at, revoked_at
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Device, &authTime, &created, &expires, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.AuthTime = parseTime(authTime)
	sess.CreatedAt = parseTime(created)
	sess.ExpiresAt = parseTime(expires)
	sess.RevokedAt = parseTime(revoked)
	return sess, nil
}

func (s *SQLiteStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at = ''`,
		fmtTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists); err != nil {
			return ErrNotFound
		}
	}
	return nil
}

func (s *SQLiteStore) RevokeUserSessions(ctx context.Context, userID string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at = ''`,
		fmtTime(at), userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ? AND revoked = 0`, userID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) SaveAuthRequest(ctx context.Context, req AuthRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_requests
		(id, client_id, redirect_uri, response_type, scope, state, nonce, code_challenge, code_challenge_method, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		req.ID, req.ClientID, req.RedirectURI, req.ResponseType, req.Scope, req.State, req.Nonce,
		req.CodeChallenge, req.CodeChallengeMethod, fmtTime(req.CreatedAt), fmtTime(req.ExpiresAt))
	return err
}

func (s *SQLiteStore) ConsumeAuthRequest(ctx context.Context, id string, now time.Time) (AuthRequest, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_requests SET consumed = 1 WHERE id = ? AND consumed = 0 AND expires_at > ?`,
		id, fmtTime(now))
	if err != nil {
		return AuthRequest{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AuthRequest{}, err
	}
	var req AuthRequest
	var created, expires string
	var consumed int
	err = s.db.QueryRowContext(ctx,
		`SELECT id, client_id, redirect_uri, response_type, scope, state, nonce, code_challenge, code_challenge_method, created_at, expires_at, consumed
		FROM auth_requests WHERE id = ?`, id).
		Scan(&req.ID, &req.ClientID, &req.RedirectURI, &req.ResponseType, &req.Scope, &req.State, &req.Nonce,
			&req.CodeChallenge, &req.CodeChallengeMethod, &created, &expires, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthRequest{}, ErrNotFound
		}
		return AuthRequest{}, err
	}
	req.CreatedAt = parseTime(created)
	req.ExpiresAt = parseTime(expires)
	req.Consumed = consumed != 0
	if n == 0 {
		if now.After(req.ExpiresAt) {
			return AuthRequest{}, ErrExpired
		}
		return AuthRequest{}, ErrReplayed
	}
	return req, nil
}

func (s *SQLiteStore) SaveAuthCode(ctx context.Context, code AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_codes
		(code, client_id, redirect_uri, user_id, session_id, scope, nonce, code_challenge, code_challenge_method, auth_time, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		code.Code, code.ClientID, code.RedirectURI, code.UserID, code.SessionID, code.Scope, code.Nonce,
		code.CodeChallenge, code.CodeChallengeMethod, fmtTime(code.AuthTime), fmtTime(code.CreatedAt), fmtTime(code.ExpiresAt))
	return err
}

func (s *SQLiteStore) ConsumeAuthCode(ctx context.Context, code string, now time.Time) (AuthorizationCode, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_codes SET consumed = 1 WHERE code = ? AND consumed = 0 AND expires_at > ?`,
		code, fmtTime(now))
	if err != nil {
		return AuthorizationCode{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AuthorizationCode{}, err
	}
	var ac AuthorizationCode
	var authTime, created, expires string
	var consumed int
	err = s.db.QueryRowContext(ctx,
		`SELECT code, client_id, redirect_uri, user_id, session_id, scope, nonce, code_challenge, code_challenge_method, auth_time, created_at, expires_at, consumed
		FROM auth_codes WHERE code = ?`, code).
		Scan(&ac.Code, &ac.ClientID, &ac.RedirectURI, &ac.UserID, &ac.SessionID, &ac.Scope, &ac.Nonce,
			&ac.CodeChallenge, &ac.CodeChallengeMethod, &authTime, &created, &expires, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthorizationCode{}, ErrNotFound
		}
		return AuthorizationCode{}, err
	}
	ac.AuthTime = parseTime(authTime)
	ac.CreatedAt = parseTime(created)
	ac.ExpiresAt = parseTime(expires)
	ac.Consumed = consumed != 0
	if n == 0 {
		if now.After(ac.ExpiresAt) {
			return AuthorizationCode{}, ErrExpired
		}
		return AuthorizationCode{}, ErrReplayed
	}
	return ac, nil
}

func (s *SQLiteStore) SaveRefreshToken(ctx context.Context, rt RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, client_id, user_id, session_id, scope, parent_id, issued_at, expires_at, rotated, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.ClientID, rt.UserID, rt.SessionID, rt.Scope, rt.ParentID,
		fmtTime(rt.IssuedAt), fmtTime(rt.ExpiresAt), boolToInt(rt.Rotated), boolToInt(rt.Revoked))
	return err
}

func (s *SQLiteStore) getRefreshToken(ctx context.Context, id string) (RefreshToken, error) {
	var rt RefreshToken
	var issued, expires string
	var rotated, revoked int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, user_id, session_id, scope, parent_id, issued_at, expires_at, rotated, revoked
		FROM refresh_tokens WHERE id = ?`, id).
		Scan(&rt.ID, &rt.ClientID, &rt.UserID, &rt.SessionID, &rt.Scope, &rt.ParentID,
			&issued, &expires, &rotated, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}
	rt.IssuedAt = parseTime(issued)
	rt.ExpiresAt = parseTime(expires)
	rt.Rotated = rotated != 0
	rt.Revoked = revoked != 0
	return rt, nil
}

func (s *SQLiteStore) ConsumeRefreshToken(ctx context.Context, id string, now time.Time) (RefreshToken, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET rotated = 1 WHERE id = ? AND rotated = 0 AND revoked = 0 AND expires_at > ?`,
		id, fmtTime(now))
	if err != nil {
		return RefreshToken{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RefreshToken{}, err
	}
	rt, err := s.getRefreshToken(ctx, id)
	if err != nil {
		return RefreshToken{}, err
	}
	if n == 0 {
		switch {
		case rt.Revoked:
			return RefreshToken{}, ErrNotFound
		case now.After(rt.ExpiresAt):
			return RefreshToken{}, ErrExpired
		default:
			return rt, ErrReplayed
		}
	}
	return rt, nil
}

func (s *SQLiteStore) RevokeSessionTokens(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE session_id = ? AND revoked = 0`, sessionID)
	return err
}

func (s *SQLiteStore) RevokeUserTokens(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ? AND revoked = 0`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) SaveLoginToken(ctx context.Context, lt LoginToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_tokens (id, user_id, purpose, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, 0)`,
		lt.ID, lt.UserID, string(lt.Purpose), fmtTime(lt.CreatedAt), fmtTime(lt.ExpiresAt))
	return err
}

func (s *SQLiteStore) ConsumeLoginToken(ctx context.Context, id string, purpose LoginTokenPurpose, now time.Time) (LoginToken, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE login_tokens SET consumed = 1 WHERE id = ? AND purpose = ? AND consumed = 0 AND expires_at > ?`,
		id, string(purpose), fmtTime(now))
	if err != nil {
		return LoginToken{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LoginToken{}, err
	}
	var lt LoginToken
	var p, created, expires string
	var consumed int
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, purpose, created_at, expires_at, consumed FROM login_tokens WHERE id = ? AND purpose = ?`,
		id, string(purpose)).
		Scan(&lt.ID, &lt.UserID, &p, &created, &expires, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginToken{}, ErrNotFound
		}
		return LoginToken{}, err
	}
	lt.Purpose = LoginTokenPurpose(p)
	lt.CreatedAt = parseTime(created)
	lt.ExpiresAt = parseTime(expires)
	lt.Consumed = consumed != 0
	if n == 0 {
		if now.After(lt.ExpiresAt) {
			return LoginToken{}, ErrExpired
		}
		return LoginToken{}, ErrReplayed
	}
	return lt, nil
}

func (s *SQLiteStore) DeleteClientArtifacts(ctx context.Context, clientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM auth_requests WHERE client_id = ?`,
		`DELETE FROM auth_codes WHERE client_id = ?`,
		`DELETE FROM refresh_tokens WHERE client_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, clientID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) error {
	ts := fmtTime(now)
	for _, stmt := range []string{
		`DELETE FROM auth_requests WHERE expires_at <= ?`,
		`DELETE FROM auth_codes WHERE expires_at <= ?`,
		`DELETE FROM refresh_tokens WHERE expires_at <= ?`,
		`DELETE FROM login_tokens WHERE expires_at <= ?`,
		`DELETE FROM sessions WHERE expires_at <= ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, ts); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
