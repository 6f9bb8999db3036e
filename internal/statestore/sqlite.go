//go:build sqlite

package statestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"crosspost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutToken(ctx context.Context, name string, tok Token) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if name == "" {
		return nil
	}
	if tok.UpdatedAt.IsZero() {
		tok.UpdatedAt = time.Now()
	}
	var expires int64
	if !tok.ExpiresAt.IsZero() {
		expires = tok.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens(name, value, expires_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		name, tok.Value, expires, tok.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetToken(ctx context.Context, name string) (Token, bool, error) {
	if s == nil || s.db == nil {
		return Token{}, false, ErrDisabled
	}
	var (
		value            string
		expires, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at, updated_at FROM tokens WHERE name = ?`, name,
	).Scan(&value, &expires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	tok := Token{Value: value, UpdatedAt: time.UnixMilli(updated)}
	if expires > 0 {
		tok.ExpiresAt = time.UnixMilli(expires)
	}
	return tok, true, nil
}
