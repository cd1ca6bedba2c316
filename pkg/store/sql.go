package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore keeps offline queues in a SQL table. It works with any
// database/sql compatible driver (PostgreSQL, MySQL, SQLite); the caller
// owns the *sql.DB. Requires a table with schema:
//
//	CREATE TABLE atrium_queue (
//	    id BIGSERIAL PRIMARY KEY,
//	    user_id VARCHAR(128) NOT NULL,
//	    payload BYTEA NOT NULL,
//	    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
//	);
//	CREATE INDEX idx_atrium_queue_user ON atrium_queue(user_id, id);
type SQLStore struct {
	db        *sql.DB
	tableName string
	dialect   SQLDialect
	closed    bool
	done      chan struct{}
}

// SQLDialect represents the SQL dialect for query generation.
type SQLDialect int

const (
	// DialectPostgreSQL uses PostgreSQL syntax ($1, $2 placeholders).
	DialectPostgreSQL SQLDialect = iota
	// DialectMySQL uses MySQL syntax (? placeholders).
	DialectMySQL
	// DialectSQLite uses SQLite syntax (? placeholders).
	DialectSQLite
)

// SQLStoreOption configures SQLStore behavior.
type SQLStoreOption func(*sqlStoreConfig)

type sqlStoreConfig struct {
	tableName string
	dialect   SQLDialect
	maxAge    time.Duration
	interval  time.Duration
}

// WithSQLTableName sets the table name for queue storage.
// Default: "atrium_queue".
func WithSQLTableName(name string) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.tableName = name
	}
}

// WithSQLDialect sets the SQL dialect for query generation.
// Default: DialectPostgreSQL.
func WithSQLDialect(dialect SQLDialect) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.dialect = dialect
	}
}

// WithSQLMaxAge deletes rows older than d on a background ticker. Zero
// (the default) disables the cleanup loop.
func WithSQLMaxAge(d time.Duration) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.maxAge = d
	}
}

// NewSQLStore creates a SQL-backed queue store.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	cfg := &sqlStoreConfig{
		tableName: "atrium_queue",
		dialect:   DialectPostgreSQL,
		interval:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &SQLStore{
		db:        db,
		tableName: cfg.tableName,
		dialect:   cfg.dialect,
		done:      make(chan struct{}),
	}
	if cfg.maxAge > 0 {
		go s.cleanupLoop(cfg.interval, cfg.maxAge)
	}
	return s
}

// placeholder returns the placeholder syntax for the dialect.
func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgreSQL {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Enqueue inserts a row, then trims the user's queue down to cap rows by
// deleting the oldest overflow.
func (s *SQLStore) Enqueue(ctx context.Context, userID string, payload []byte, cap int) (bool, error) {
	if s.closed {
		return false, ErrStoreClosed{}
	}

	insert := fmt.Sprintf(
		"INSERT INTO %s (user_id, payload) VALUES (%s, %s)",
		s.tableName, s.placeholder(1), s.placeholder(2),
	)
	if _, err := s.db.ExecContext(ctx, insert, userID, payload); err != nil {
		return false, err
	}
	if cap <= 0 {
		return false, nil
	}

	trim := fmt.Sprintf(
		"DELETE FROM %s WHERE user_id = %s AND id NOT IN (SELECT id FROM (SELECT id FROM %s WHERE user_id = %s ORDER BY id DESC LIMIT %d) keep)",
		s.tableName, s.placeholder(1), s.tableName, s.placeholder(2), cap,
	)
	res, err := s.db.ExecContext(ctx, trim, userID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// Drain reads the user's rows in insertion order and deletes them in one
// transaction.
func (s *SQLStore) Drain(ctx context.Context, userID string) ([][]byte, error) {
	if s.closed {
		return nil, ErrStoreClosed{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE user_id = %s ORDER BY id",
		s.tableName, s.placeholder(1),
	)
	rows, err := tx.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, payload)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE user_id = %s", s.tableName, s.placeholder(1))
	if _, err := tx.ExecContext(ctx, del, userID); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

// Len counts the user's rows.
func (s *SQLStore) Len(ctx context.Context, userID string) (int, error) {
	if s.closed {
		return 0, ErrStoreClosed{}
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE user_id = %s", s.tableName, s.placeholder(1))
	var n int
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Purge deletes the user's rows.
func (s *SQLStore) Purge(ctx context.Context, userID string) error {
	if s.closed {
		return ErrStoreClosed{}
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE user_id = %s", s.tableName, s.placeholder(1))
	_, err := s.db.ExecContext(ctx, del, userID)
	return err
}

// Close marks the store as closed. The *sql.DB is not closed here; the
// caller owns it.
func (s *SQLStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// CreateTable creates the queue table and its index if they don't exist.
// This is a convenience method for development/testing; production schemas
// belong in the deployment's migrations.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	var query string
	switch s.dialect {
	case DialectPostgreSQL:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				user_id VARCHAR(128) NOT NULL,
				payload BYTEA NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)
		`, s.tableName)
	case DialectMySQL:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				user_id VARCHAR(128) NOT NULL,
				payload BLOB NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)
		`, s.tableName)
	case DialectSQLite:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL,
				payload BLOB NOT NULL,
				created_at TEXT DEFAULT (datetime('now'))
			)
		`, s.tableName)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return err
	}

	// Drain reads in (user_id, id) order.
	var indexQuery string
	switch s.dialect {
	case DialectPostgreSQL, DialectSQLite:
		indexQuery = fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id, id)
		`, s.tableName, s.tableName)
	case DialectMySQL:
		// MySQL has no IF NOT EXISTS for indexes; create and ignore the
		// duplicate error.
		indexQuery = fmt.Sprintf(`
			CREATE INDEX idx_%s_user ON %s(user_id, id)
		`, s.tableName, s.tableName)
	}
	s.db.ExecContext(ctx, indexQuery)

	return nil
}

// cleanupLoop periodically deletes rows older than maxAge.
func (s *SQLStore) cleanupLoop(interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-maxAge)
			del := fmt.Sprintf("DELETE FROM %s WHERE created_at < %s", s.tableName, s.placeholder(1))
			if _, err := s.db.Exec(del, cutoff); err != nil {
				// Next tick retries; the table stays bounded per user regardless.
				continue
			}
		case <-s.done:
			return
		}
	}
}
