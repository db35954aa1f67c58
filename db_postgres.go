package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init(ctx context.Context) error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.PingContext(ctx)
}

func (p *PostgresDB) CreateUser(ctx context.Context, email, name, passwordHash string, verified bool) (*User, error) {
	email = normalizeEmail(email)
	var u User
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(email,name,password,is_verified,created_at) VALUES($1,$2,$3,$4,now()) RETURNING id, created_at`,
		email, name, passwordHash, verified).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrUserExists
		}
		return nil, err
	}
	u.Email, u.Name, u.Password, u.IsVerified = email, name, passwordHash, verified
	return &u, nil
}

func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `SELECT id,email,name,password,is_verified,created_at FROM users WHERE email = $1`, normalizeEmail(email)))
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `SELECT id,email,name,password,is_verified,created_at FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Password, &u.IsVerified, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (p *PostgresDB) CreateRefreshToken(ctx context.Context, id string, userID int64, expiresAt int64) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO refresh_tokens(token_id,user_id,expires_at,created_at) VALUES($1,$2,$3,now())`, id, userID, expiresAt)
	return err
}

const pgRefreshTokenQuery = `SELECT token_id,user_id,expires_at,revoked,COALESCE(replaced_by,''),COALESCE(rotated_at,0),created_at FROM refresh_tokens WHERE token_id = $1`

func (p *PostgresDB) GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	return scanRefreshTokenPG(p.db.QueryRowContext(ctx, pgRefreshTokenQuery, id))
}

func scanRefreshTokenPG(row *sql.Row) (*RefreshToken, error) {
	var t RefreshToken
	if err := row.Scan(&t.ID, &t.UserID, &t.ExpiresAt, &t.Revoked, &t.ReplacedBy, &t.RotatedAt, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// RevokeRefreshToken flips revoked in a single conditional UPDATE, so of two
// concurrent callers exactly one sees the token as unrevoked.
func (p *PostgresDB) RevokeRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	t := RefreshToken{ID: id}
	err := p.db.QueryRowContext(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE token_id = $1 AND revoked = false RETURNING user_id, expires_at, created_at`,
		id).Scan(&t.UserID, &t.ExpiresAt, &t.CreatedAt)
	if err == nil {
		return &t, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	// unknown, or revoked before this call
	return p.GetRefreshToken(ctx, id)
}

// RotateRefreshToken locks the presented row and its successor, so concurrent
// rotations of one id are decided one after the other.
func (p *PostgresDB) RotateRefreshToken(ctx context.Context, id string, next RefreshToken, now time.Time, grace time.Duration) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	old, err := scanRefreshTokenPG(tx.QueryRowContext(ctx, pgRefreshTokenQuery+` FOR UPDATE`, id))
	if err != nil {
		return false, err
	}
	var successor *RefreshToken
	if old != nil && old.ReplacedBy != "" {
		if successor, err = scanRefreshTokenPG(tx.QueryRowContext(ctx, pgRefreshTokenQuery+` FOR UPDATE`, old.ReplacedBy)); err != nil {
			return false, err
		}
	}
	retry, err := planRotation(old, successor, now, grace)
	if err != nil {
		return false, err
	}
	if retry {
		_, err = tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE token_id = $1`, successor.ID)
		if err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE refresh_tokens SET replaced_by = $1 WHERE token_id = $2`, next.ID, id)
		}
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true, replaced_by = $1, rotated_at = $2 WHERE token_id = $3`, next.ID, now.UnixMilli(), id)
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO refresh_tokens(token_id,user_id,expires_at,created_at) VALUES($1,$2,$3,now())`, next.ID, next.UserID, next.ExpiresAt); err != nil {
		return false, err
	}
	return retry, tx.Commit()
}

func (p *PostgresDB) RevokeAllRefreshTokensForUser(ctx context.Context, userID int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE user_id = $1 AND revoked = false`, userID)
	return err
}

func (p *PostgresDB) DeleteExpiredRefreshTokens(ctx context.Context, before int64) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
