package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"corpcall/internal/call"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    key TEXT PRIMARY KEY,
    call_type TEXT NOT NULL,
    format TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    content_type TEXT,
    service_error TEXT,
    url TEXT,
    body BLOB,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_call_type ON entries(call_type);
`

// SQLiteStore keeps entries in a single SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// One connection serializes writers; :memory: databases also need it to
	// stay a single database.
	db.SetMaxOpenConns(1)
	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA synchronous = NORMAL"}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// OpenSQLite opens or creates the database at path and its schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Get(ctx context.Context, key call.Key) (Entry, bool, error) {
	if err := validKey(string(key), false); err != nil {
		return Entry{}, false, err
	}
	var (
		e           Entry
		typ, format string
		contentType sql.NullString
		serviceErr  sql.NullString
		u           sql.NullString
		created     int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT call_type, format, status_code, content_type, service_error, url, body, created_at
		FROM entries WHERE key = ?`, string(key)).
		Scan(&typ, &format, &e.StatusCode, &contentType, &serviceErr, &u, &e.Body, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache entry %s: %w", key.Short(), err)
	}
	e.Key = key
	e.Type = call.Type(typ)
	e.Format = call.Format(format)
	e.ContentType = contentType.String
	e.ServiceError = serviceErr.String
	e.URL = u.String
	e.CreatedAt = time.Unix(0, created)
	return e, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	if err := validKey(string(e.Key), false); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, string(e.Key)); err != nil {
		return fmt.Errorf("supersede cache entry %s: %w", e.Key.Short(), err)
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (key, call_type, format, status_code, content_type, service_error, url, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Key), string(e.Type), string(e.Format), e.StatusCode,
		e.ContentType, e.ServiceError, e.URL, body, e.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("write cache entry %s: %w", e.Key.Short(), err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, key call.Key) error {
	if err := validKey(string(key), false); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, string(key))
	return err
}

func (s *SQLiteStore) Clear(ctx context.Context, prefix string) error {
	if err := validKey(prefix, true); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key LIKE ?`, prefix+"%")
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
