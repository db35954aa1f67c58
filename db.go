package main

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrUserExists = errors.New("user already exists")

// DB interface for database operations. Lookups return nil, nil when nothing matches.
type DB interface {
	Init(ctx context.Context) error
	// User operations
	CreateUser(ctx context.Context, email, name, passwordHash string, verified bool) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	// Token operations
	CreateRefreshToken(ctx context.Context, id string, userID int64, expiresAt int64) error
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	// RevokeRefreshToken marks the token revoked and returns the record as it was
	// before the call, so a caller can tell a first use (Revoked false) from a
	// replay (Revoked true).
	RevokeRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	// RotateRefreshToken retires id and stores next in one transaction, as
	// decided by planRotation. It returns ErrRefreshUnknown or ErrRefreshReused
	// when id may not be exchanged.
	RotateRefreshToken(ctx context.Context, id string, next RefreshToken, now time.Time, grace time.Duration) (retry bool, err error)
	RevokeAllRefreshTokensForUser(ctx context.Context, userID int64) error
	// DeleteExpiredRefreshTokens drops rows that expired before the given unix time.
	DeleteExpiredRefreshTokens(ctx context.Context, before int64) (int64, error)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Memory DB
type MemDB struct {
	mu     sync.Mutex
	users  map[string]*User
	byID   map[int64]*User
	tokens map[string]*RefreshToken
	seq    int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{users: map[string]*User{}, byID: map[int64]*User{}, tokens: map[string]*RefreshToken{}, seq: 1}
}

func (m *MemDB) Init(context.Context) error { return nil }

func (m *MemDB) CreateUser(_ context.Context, email, name, passwordHash string, verified bool) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = normalizeEmail(email)
	if _, ok := m.users[email]; ok {
		return nil, ErrUserExists
	}
	u := &User{ID: m.seq, Email: email, Name: name, Password: passwordHash, IsVerified: verified, CreatedAt: time.Now()}
	m.seq++
	m.users[email] = u
	m.byID[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[normalizeEmail(email)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) GetUserByID(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

// SetVerified flips a user's verification flag. Verification delivery lives
// outside this service; tests and the memory adapter use this directly.
func (m *MemDB) SetVerified(id int64, verified bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		u.IsVerified = verified
	}
}

func (m *MemDB) CreateRefreshToken(_ context.Context, id string, userID int64, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[id] = &RefreshToken{ID: id, UserID: userID, ExpiresAt: expiresAt, CreatedAt: time.Now()}
	return nil
}

func (m *MemDB) GetRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) RevokeRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, nil
	}
	prev := *t
	t.Revoked = true
	return &prev, nil
}

func (m *MemDB) RotateRefreshToken(_ context.Context, id string, next RefreshToken, now time.Time, grace time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.tokens[id]
	var successor *RefreshToken
	if old != nil && old.ReplacedBy != "" {
		successor = m.tokens[old.ReplacedBy]
	}
	retry, err := planRotation(old, successor, now, grace)
	if err != nil {
		return false, err
	}
	if retry {
		successor.Revoked = true
	} else {
		old.Revoked = true
		old.RotatedAt = now.UnixMilli()
	}
	old.ReplacedBy = next.ID
	next.Revoked, next.ReplacedBy, next.RotatedAt = false, "", 0
	next.CreatedAt = time.Now()
	m.tokens[next.ID] = &next
	return retry, nil
}

func (m *MemDB) RevokeAllRefreshTokensForUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *MemDB) DeleteExpiredRefreshTokens(_ context.Context, before int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if t.ExpiresAt < before {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps ":memory:" databases shared
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY AUTOINCREMENT, email TEXT UNIQUE NOT NULL, name TEXT NOT NULL DEFAULT '', password TEXT NOT NULL, is_verified INTEGER NOT NULL DEFAULT 0, created_at TEXT);`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (token_id TEXT PRIMARY KEY, user_id INTEGER NOT NULL REFERENCES users(id), expires_at INTEGER NOT NULL, revoked INTEGER NOT NULL DEFAULT 0, replaced_by TEXT, rotated_at INTEGER, created_at TEXT);`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens(user_id);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	// files created before rotation tracking lack these columns
	for _, q := range []string{
		`ALTER TABLE refresh_tokens ADD COLUMN replaced_by TEXT`,
		`ALTER TABLE refresh_tokens ADD COLUMN rotated_at INTEGER`,
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) CreateUser(ctx context.Context, email, name, passwordHash string, verified bool) (*User, error) {
	email = normalizeEmail(email)
	res, err := s.db.ExecContext(ctx, `INSERT INTO users(email,name,password,is_verified,created_at) VALUES(?,?,?,?,datetime('now'))`, email, name, passwordHash, verified)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrUserExists
		}
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &User{ID: id, Email: email, Name: name, Password: passwordHash, IsVerified: verified, CreatedAt: time.Now()}, nil
}

func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT id,email,name,password,is_verified FROM users WHERE email = ?`, normalizeEmail(email)))
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT id,email,name,password,is_verified FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	var verified int
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Password, &verified); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.IsVerified = verified != 0
	return &u, nil
}

func (s *SQLiteDB) CreateRefreshToken(ctx context.Context, id string, userID int64, expiresAt int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO refresh_tokens(token_id,user_id,expires_at,created_at) VALUES(?,?,?,datetime('now'))`, id, userID, expiresAt)
	return err
}

const sqliteRefreshTokenQuery = `SELECT token_id,user_id,expires_at,revoked,COALESCE(replaced_by,''),COALESCE(rotated_at,0) FROM refresh_tokens WHERE token_id = ?`

func (s *SQLiteDB) GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	return getRefreshTokenSQLite(s.db.QueryRowContext(ctx, sqliteRefreshTokenQuery, id))
}

func getRefreshTokenSQLite(row *sql.Row) (*RefreshToken, error) {
	var t RefreshToken
	var revoked int
	if err := row.Scan(&t.ID, &t.UserID, &t.ExpiresAt, &revoked, &t.ReplacedBy, &t.RotatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.Revoked = revoked != 0
	return &t, nil
}

func (s *SQLiteDB) RevokeRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	prev, err := getRefreshTokenSQLite(tx.QueryRowContext(ctx, sqliteRefreshTokenQuery, id))
	if err != nil || prev == nil {
		return nil, err
	}
	if !prev.Revoked {
		if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE token_id = ?`, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *SQLiteDB) RotateRefreshToken(ctx context.Context, id string, next RefreshToken, now time.Time, grace time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	old, err := getRefreshTokenSQLite(tx.QueryRowContext(ctx, sqliteRefreshTokenQuery, id))
	if err != nil {
		return false, err
	}
	var successor *RefreshToken
	if old != nil && old.ReplacedBy != "" {
		if successor, err = getRefreshTokenSQLite(tx.QueryRowContext(ctx, sqliteRefreshTokenQuery, old.ReplacedBy)); err != nil {
			return false, err
		}
	}
	retry, err := planRotation(old, successor, now, grace)
	if err != nil {
		return false, err
	}
	if retry {
		_, err = tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE token_id = ?`, successor.ID)
		if err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE refresh_tokens SET replaced_by = ? WHERE token_id = ?`, next.ID, id)
		}
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1, replaced_by = ?, rotated_at = ? WHERE token_id = ?`, next.ID, now.UnixMilli(), id)
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO refresh_tokens(token_id,user_id,expires_at,created_at) VALUES(?,?,?,datetime('now'))`, next.ID, next.UserID, next.ExpiresAt); err != nil {
		return false, err
	}
	return retry, tx.Commit()
}

func (s *SQLiteDB) RevokeAllRefreshTokensForUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ?`, userID)
	return err
}

func (s *SQLiteDB) DeleteExpiredRefreshTokens(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
