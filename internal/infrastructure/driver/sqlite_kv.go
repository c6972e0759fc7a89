package driver

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteKV durable KeyValueDB stored in a single sqlite file, it survives process restarts
// and is private to the machine it lives on
type SQLiteKV struct {
	db  *sql.DB
	now func() time.Time
}

var _ KeyValueDB = &SQLiteKV{}

// NewSQLiteKV open (or create) the key-value file at path
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}
	return &SQLiteKV{db: db, now: time.Now}, nil
}

// SetEX implement KeyValueDB
func (s *SQLiteKV) SetEX(key string, value string, expiration time.Duration) error {
	var expiresAt int64
	if expiration > 0 {
		expiresAt = s.now().Add(expiration).UnixNano()
	}
	_, err := s.db.Exec(`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	return err
}

// Get implement KeyValueDB
func (s *SQLiteKV) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().UnixNano()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	return value, err
}

// Exists implement KeyValueDB
func (s *SQLiteKV) Exists(key string) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete implement KeyValueDB
func (s *SQLiteKV) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Keys implement KeyValueDB
func (s *SQLiteKV) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv
		WHERE substr(key, 1, length(?)) = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key`, prefix, prefix, s.now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Ping implement KeyValueDB
func (s *SQLiteKV) Ping() error {
	return s.db.Ping()
}

// Close release the underlying file
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
