package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteLocalStorage stores key/value pairs in the kv table created by
// database.NewSQLiteDB.
type SQLiteLocalStorage struct {
	db *sql.DB
}

func NewSQLiteLocalStorage(db *sql.DB) *SQLiteLocalStorage {
	return &SQLiteLocalStorage{db: db}
}

func (s *SQLiteLocalStorage) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteLocalStorage) Set(ctx context.Context, key, value string) error {
	query := `INSERT INTO kv (key, value, updated_at)
	          VALUES (?, ?, CURRENT_TIMESTAMP)
	          ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteLocalStorage) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}
