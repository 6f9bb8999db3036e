// Package statestore persists destination credentials that rotate at
// runtime, so a restart does not force a manual re-authorization.
package statestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"crosspost/pkg/logx"
)

var ErrDisabled = errors.New("statestore disabled")

// Config configures the store.
//
// Driver values:
//   - "file": dependency-free JSON file backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", persistence is disabled and tokens live only
// in memory for the process lifetime.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Token is one stored credential. ExpiresAt is zero for tokens without a
// known lifetime.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence API the destinations use.
type Store interface {
	PutToken(ctx context.Context, name string, tok Token) error
	GetToken(ctx context.Context, name string) (Token, bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown statestore driver: " + driver)
	}
}
