package serverdb

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// RefreshTokenTTL is how long an issued refresh token stays valid.
const RefreshTokenTTL = 30 * 24 * time.Hour

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func newRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "rt_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// IssueRefreshToken creates a refresh token for workerID. Only its hash is
// stored; the plaintext is returned once.
func (db *ServerDB) IssueRefreshToken(ctx context.Context, workerID int64) (string, error) {
	plaintext, err := newRefreshToken()
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	now := time.Now().UTC()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, worker_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		hashToken(plaintext), workerID, now.Add(RefreshTokenTTL), now,
	)
	if err != nil {
		return "", fmt.Errorf("insert refresh token: %w", err)
	}
	return plaintext, nil
}

// RotateRefreshToken revokes plaintext and issues a replacement for the same
// worker. ErrInvalidGrant is returned for unknown, expired or revoked tokens.
func (db *ServerDB) RotateRefreshToken(ctx context.Context, plaintext string) (workerID int64, next string, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var revokedAt sql.NullTime
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT worker_id, expires_at, revoked_at FROM refresh_tokens WHERE token_hash = ?`,
		hashToken(plaintext),
	).Scan(&workerID, &expiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrInvalidGrant
	}
	if err != nil {
		return 0, "", fmt.Errorf("read refresh token: %w", err)
	}
	if revokedAt.Valid || !expiresAt.After(now) {
		return 0, "", ErrInvalidGrant
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE token_hash = ?`, now, hashToken(plaintext),
	); err != nil {
		return 0, "", fmt.Errorf("revoke refresh token: %w", err)
	}

	next, err = newRefreshToken()
	if err != nil {
		return 0, "", fmt.Errorf("generate refresh token: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, worker_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		hashToken(next), workerID, now.Add(RefreshTokenTTL), now,
	); err != nil {
		return 0, "", fmt.Errorf("insert refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("commit: %w", err)
	}
	return workerID, next, nil
}

// RevokeRefreshTokens revokes every live refresh token of workerID and
// returns how many were revoked.
func (db *ServerDB) RevokeRefreshTokens(ctx context.Context, workerID int64) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE worker_id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), workerID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
