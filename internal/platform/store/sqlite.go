package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gatekeeper/internal/platform/config"
)

// SQLiteStore is the durable Store implementation. Expired rows are
// filtered on read and removed by the sweeper.
type SQLiteStore struct {
	db *sql.DB
}

func Open(cfg config.StoreConfig) (*SQLiteStore, error) {
	dsn := cfg.Path
	if strings.HasPrefix(dsn, "file:") {
		dsn = dsn[5:]
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_records WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().Unix() {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_records (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, value, expiresAt, time.Now().Unix())
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv_records WHERE key = ?", key)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv_records
		WHERE key >= ? AND key < ?
		AND (expires_at IS NULL OR expires_at > ?)
	`, prefix, prefix+"\xff", time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Sweep deletes expired rows. Called periodically by cmd/sweeper.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_records WHERE expires_at IS NOT NULL AND expires_at <= ?",
		time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
