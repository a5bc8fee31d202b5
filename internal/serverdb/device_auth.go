package serverdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// AuthStatus is the state of a device login. A request starts pending, is
// verified or denied by an operator and becomes used once the device has
// collected its tokens. Pending requests past their expiry become expired.
type AuthStatus string

const (
	AuthStatusPending  AuthStatus = "pending"
	AuthStatusVerified AuthStatus = "verified"
	AuthStatusDenied   AuthStatus = "denied"
	AuthStatusExpired  AuthStatus = "expired"
	AuthStatusUsed     AuthStatus = "used"
)

const (
	AuthRequestTTL = 15 * time.Minute
	// PollInterval is the minimum number of seconds between token polls.
	PollInterval = 5

	userCodeLen = 6
)

// ErrNotPending is returned when approving or denying a login that is
// unknown, already decided or expired.
var ErrNotPending = errors.New("login request not pending")

// AuthRequest is a device login.
type AuthRequest struct {
	ID         string
	ClientID   string
	DeviceCode string
	UserCode   string
	Status     AuthStatus
	WorkerID   *int64
	ExpiresAt  time.Time
	VerifiedAt *time.Time
	CreatedAt  time.Time
}

// userCodeAlphabet leaves out 0, 1, I, L and O.
const userCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func generateUserCode() (string, error) {
	var sb strings.Builder
	limit := big.NewInt(int64(len(userCodeAlphabet)))
	for i := 0; i < userCodeLen; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteByte(userCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// ValidUserCode reports whether code has the shape of a user code.
func ValidUserCode(code string) bool {
	if len(code) != userCodeLen {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(userCodeAlphabet, r) {
			return false
		}
	}
	return true
}

func generateDeviceCode() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

const authRequestColumns = `id, client_id, device_code, user_code, status, worker_id, expires_at, verified_at, created_at`

func scanAuthRequest(s scanner) (*AuthRequest, error) {
	var (
		ar         AuthRequest
		workerID   sql.NullInt64
		verifiedAt sql.NullTime
	)
	if err := s.Scan(&ar.ID, &ar.ClientID, &ar.DeviceCode, &ar.UserCode, &ar.Status,
		&workerID, &ar.ExpiresAt, &verifiedAt, &ar.CreatedAt); err != nil {
		return nil, err
	}
	if workerID.Valid {
		ar.WorkerID = &workerID.Int64
	}
	if verifiedAt.Valid {
		ar.VerifiedAt = &verifiedAt.Time
	}
	return &ar, nil
}

// queryAuthRequest returns the first matching request, or nil.
func (db *ServerDB) queryAuthRequest(ctx context.Context, where string, args ...any) (*AuthRequest, error) {
	ar, err := scanAuthRequest(db.conn.QueryRowContext(ctx,
		`SELECT `+authRequestColumns+` FROM auth_requests WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ar, err
}

// stateChange moves requests from one status to another. set and setArgs
// add further assignments, where and whereArgs select the rows.
type stateChange struct {
	from, to  AuthStatus
	set       string
	setArgs   []any
	where     string
	whereArgs []any
}

// transition applies c and reports whether any row changed.
func (db *ServerDB) transition(ctx context.Context, c stateChange) (bool, error) {
	q := `UPDATE auth_requests SET status = ?` + c.set + ` WHERE status = ? AND ` + c.where
	args := append([]any{c.to}, c.setArgs...)
	args = append(args, c.from)
	args = append(args, c.whereArgs...)
	res, err := db.conn.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreateAuthRequest starts a device login for clientID.
func (db *ServerDB) CreateAuthRequest(ctx context.Context, clientID string) (*AuthRequest, error) {
	id, err := generateID("ar_")
	if err != nil {
		return nil, fmt.Errorf("generate auth request id: %w", err)
	}
	deviceCode, err := generateDeviceCode()
	if err != nil {
		return nil, fmt.Errorf("generate device code: %w", err)
	}
	userCode, err := generateUserCode()
	if err != nil {
		return nil, fmt.Errorf("generate user code: %w", err)
	}

	now := time.Now().UTC()
	ar := &AuthRequest{
		ID:         id,
		ClientID:   clientID,
		DeviceCode: deviceCode,
		UserCode:   userCode,
		Status:     AuthStatusPending,
		ExpiresAt:  now.Add(AuthRequestTTL),
		CreatedAt:  now,
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO auth_requests (id, client_id, device_code, user_code, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ar.ID, ar.ClientID, ar.DeviceCode, ar.UserCode, ar.Status, ar.ExpiresAt, ar.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert auth request: %w", err)
	}
	return ar, nil
}

// GetAuthRequestByDeviceCode returns the request for a device code in any
// status, or nil.
func (db *ServerDB) GetAuthRequestByDeviceCode(ctx context.Context, deviceCode string) (*AuthRequest, error) {
	ar, err := db.queryAuthRequest(ctx, `device_code = ?`, deviceCode)
	if err != nil {
		return nil, fmt.Errorf("get auth request by device code: %w", err)
	}
	return ar, nil
}

// GetAuthRequestByUserCode returns the live pending request for a user code,
// or nil.
func (db *ServerDB) GetAuthRequestByUserCode(ctx context.Context, userCode string) (*AuthRequest, error) {
	ar, err := db.queryAuthRequest(ctx,
		`user_code = ? AND status = ? AND expires_at > ? ORDER BY created_at DESC LIMIT 1`,
		userCode, AuthStatusPending, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("get auth request by user code: %w", err)
	}
	return ar, nil
}

// VerifyAuthRequest approves a live pending request for workerID.
func (db *ServerDB) VerifyAuthRequest(ctx context.Context, userCode string, workerID int64) error {
	now := time.Now().UTC()
	ok, err := db.transition(ctx, stateChange{
		from:      AuthStatusPending,
		to:        AuthStatusVerified,
		set:       `, worker_id = ?, verified_at = ?`,
		setArgs:   []any{workerID, now},
		where:     `user_code = ? AND expires_at > ?`,
		whereArgs: []any{userCode, now},
	})
	if err != nil {
		return fmt.Errorf("verify auth request: %w", err)
	}
	if !ok {
		return fmt.Errorf("verify %s: %w", userCode, ErrNotPending)
	}
	return nil
}

// DenyAuthRequest rejects a pending request.
func (db *ServerDB) DenyAuthRequest(ctx context.Context, userCode string) error {
	ok, err := db.transition(ctx, stateChange{
		from:      AuthStatusPending,
		to:        AuthStatusDenied,
		where:     `user_code = ?`,
		whereArgs: []any{userCode},
	})
	if err != nil {
		return fmt.Errorf("deny auth request: %w", err)
	}
	if !ok {
		return fmt.Errorf("deny %s: %w", userCode, ErrNotPending)
	}
	return nil
}

// CompleteAuthRequest marks a verified request used and returns it. It
// returns nil when the request is not verified, so tokens are handed out
// once.
func (db *ServerDB) CompleteAuthRequest(ctx context.Context, deviceCode string) (*AuthRequest, error) {
	ok, err := db.transition(ctx, stateChange{
		from:      AuthStatusVerified,
		to:        AuthStatusUsed,
		where:     `device_code = ?`,
		whereArgs: []any{deviceCode},
	})
	if err != nil {
		return nil, fmt.Errorf("complete auth request: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return db.GetAuthRequestByDeviceCode(ctx, deviceCode)
}

// ListPendingAuthRequests returns the live pending requests, newest first.
func (db *ServerDB) ListPendingAuthRequests(ctx context.Context) ([]AuthRequest, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+authRequestColumns+` FROM auth_requests
		 WHERE status = ? AND expires_at > ? ORDER BY created_at DESC`,
		AuthStatusPending, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list auth requests: %w", err)
	}
	defer rows.Close()

	var out []AuthRequest
	for rows.Next() {
		ar, err := scanAuthRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auth request: %w", err)
		}
		out = append(out, *ar)
	}
	return out, rows.Err()
}

// CleanupExpiredAuthRequests marks pending requests past their expiry as
// expired and returns how many changed.
func (db *ServerDB) CleanupExpiredAuthRequests(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE auth_requests SET status = ? WHERE status = ? AND expires_at <= ?`,
		AuthStatusExpired, AuthStatusPending, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired auth requests: %w", err)
	}
	return res.RowsAffected()
}
