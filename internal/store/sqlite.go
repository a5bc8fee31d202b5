package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dbFileName = "fieldsync.db"

	schema = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
)

// DB is a Store backed by a SQLite database in a data directory.
type DB struct {
	conn *sql.DB
	dir  string
}

// Open opens (creating if needed) the store database in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{conn: conn, dir: dir}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dir returns the data directory.
func (db *DB) Dir() string {
	return db.dir
}

// withWriteLock executes fn while holding the cross-process write lock.
func (db *DB) withWriteLock(fn func() error) error {
	locker := newWriteLocker(db.dir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return &StorageError{Op: "lock", Err: err}
	}
	defer locker.release()
	return fn()
}

// Get implements Store.
func (db *DB) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StorageError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

// Set implements Store.
func (db *DB) Set(ctx context.Context, key, value string) error {
	err := db.withWriteLock(func() error {
		return upsert(ctx, db.conn, key, value)
	})
	if err != nil && !IsStorageError(err) {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return err
}

// Remove implements Store.
func (db *DB) Remove(ctx context.Context, key string) error {
	err := db.withWriteLock(func() error {
		_, err := db.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
	if err != nil && !IsStorageError(err) {
		return &StorageError{Op: "remove", Key: key, Err: err}
	}
	return err
}

// RemoveMultiple implements Store. Keys are removed one statement at a time;
// the first failure stops the loop and is returned.
func (db *DB) RemoveMultiple(ctx context.Context, keys []string) error {
	err := db.withWriteLock(func() error {
		for _, k := range keys {
			if _, err := db.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
				return &StorageError{Op: "remove", Key: k, Err: err}
			}
		}
		return nil
	})
	if err != nil && !IsStorageError(err) {
		return &StorageError{Op: "remove", Err: err}
	}
	return err
}

// Update implements Updater. The read and the write run in one transaction
// under the write lock.
func (db *DB) Update(ctx context.Context, key string, fn func(old string, ok bool) (string, error)) error {
	err := db.withWriteLock(func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return &StorageError{Op: "begin", Key: key, Err: err}
		}
		defer tx.Rollback()

		var old string
		found := true
		err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return &StorageError{Op: "get", Key: key, Err: err}
		}

		val, err := fn(old, found)
		if err != nil {
			return err
		}
		if err := upsert(ctx, tx, key, val); err != nil {
			return &StorageError{Op: "set", Key: key, Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &StorageError{Op: "commit", Key: key, Err: err}
		}
		return nil
	})
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, ex execer, key, value string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}
