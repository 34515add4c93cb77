package ephemeral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a local SQLite file. Groups survive a restart
// of a single node without needing a NATS server.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS ephemeral_entries (
		key      TEXT PRIMARY KEY,
		value    BLOB NOT NULL,
		revision INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ephemeral_seq (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		n  INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO ephemeral_seq (id, n) VALUES (1, 0);
	`)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) (Entry, error) {
	e := Entry{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, revision FROM ephemeral_entries WHERE key = ?`, key,
	).Scan(&e.Value, &e.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return e, nil
}

func (s *SQLite) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	var rev uint64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM ephemeral_entries WHERE key = ?`, key).Scan(&exists)
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if rev, err = nextRevision(ctx, tx); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ephemeral_entries (key, value, revision) VALUES (?, ?, ?)`, key, value, rev)
		return err
	})
	if err != nil {
		return 0, wrapSQLite("create", key, err)
	}
	return rev, nil
}

func (s *SQLite) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	var rev uint64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := currentRevision(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur != revision {
			return ErrConflict
		}
		if rev, err = nextRevision(ctx, tx); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE ephemeral_entries SET value = ?, revision = ? WHERE key = ?`, value, rev, key)
		return err
	})
	if err != nil {
		return 0, wrapSQLite("update", key, err)
	}
	return rev, nil
}

func (s *SQLite) Delete(ctx context.Context, key string, revision uint64) error {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := currentRevision(ctx, tx, key)
		if err != nil {
			return err
		}
		if revision != 0 && cur != revision {
			return ErrConflict
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM ephemeral_entries WHERE key = ?`, key)
		return err
	})
	return wrapSQLite("delete", key, err)
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM ephemeral_entries WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLite) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func currentRevision(ctx context.Context, tx *sql.Tx, key string) (uint64, error) {
	var cur uint64
	err := tx.QueryRowContext(ctx, `SELECT revision FROM ephemeral_entries WHERE key = ?`, key).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return cur, err
}

// Revisions come from one shared counter so a key deleted and recreated
// never reuses a revision an old reader may still hold.
func nextRevision(ctx context.Context, tx *sql.Tx) (uint64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE ephemeral_seq SET n = n + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var n uint64
	err := tx.QueryRowContext(ctx, `SELECT n FROM ephemeral_seq WHERE id = 1`).Scan(&n)
	return n, err
}

func wrapSQLite(op, key string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}
