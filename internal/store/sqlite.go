package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the SQLite-backed Store.
type SQLiteConfig struct {
	DatabasePath   string
	MigrationsPath string
}

// SQLite is a Store backed by a single SQLite file. It exists so the
// "replicated backend is a drop-in" claim has a second, real implementation
// to validate against: kv(key, value), kv_set(set_name, member), and
// counters(name, value).
type SQLite struct {
	db *sqlx.DB
}

// OpenSQLite connects to the database at cfg.DatabasePath and runs pending
// migrations from cfg.MigrationsPath.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sqlx.Connect("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(cfg); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func runMigrations(cfg SQLiteConfig) error {
	dbURL := fmt.Sprintf("sqlite://%s", cfg.DatabasePath)
	migrationsURL := fmt.Sprintf("file://%s", cfg.MigrationsPath)

	m, err := migrate.New(migrationsURL, dbURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Incr(ctx context.Context, counter string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("incr %s: begin: %w", counter, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
	`, counter)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", counter, err)
	}

	var value int64
	if err := tx.GetContext(ctx, &value, `SELECT value FROM counters WHERE name = ?`, counter); err != nil {
		return 0, fmt.Errorf("incr %s: read back: %w", counter, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("incr %s: commit: %w", counter, err)
	}
	return value, nil
}

func (s *SQLite) SAdd(ctx context.Context, set, member string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_set (set_name, member) VALUES (?, ?)
		ON CONFLICT(set_name, member) DO NOTHING
	`, set, member)
	if err != nil {
		return fmt.Errorf("sadd %s: %w", set, err)
	}
	return nil
}

func (s *SQLite) SRem(ctx context.Context, set, member string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_set WHERE set_name = ? AND member = ?`, set, member)
	if err != nil {
		return fmt.Errorf("srem %s: %w", set, err)
	}
	return nil
}

func (s *SQLite) SMembers(ctx context.Context, set string) ([]string, error) {
	var members []string
	err := s.db.SelectContext(ctx, &members, `SELECT member FROM kv_set WHERE set_name = ?`, set)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", set, err)
	}
	return members, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
