package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crosspost/pkg/logx"
)

// fileStore is a dependency-free persistence backend: one JSON document
// holding every named token, rewritten atomically on each update.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	tokens map[string]Token
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, errors.New("statestore.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{log: log, path: path, tokens: map[string]Token{}}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// first run
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &st.tokens); err != nil {
			// A corrupt state file should not keep the process down;
			// destinations re-authorize and the next write repairs it.
			log.Warn("statestore file unreadable, starting empty",
				logx.String("path", path), logx.Err(err))
			st.tokens = map[string]Token{}
		}
	}
	return st, nil
}

func (s *fileStore) PutToken(_ context.Context, name string, tok Token) error {
	if name == "" {
		return nil
	}
	if tok.UpdatedAt.IsZero() {
		tok.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[name] = tok
	return s.flushLocked()
}

func (s *fileStore) GetToken(_ context.Context, name string) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[name]
	return tok, ok, nil
}

func (s *fileStore) Close() error { return nil }

// flushLocked rewrites the state file via rename so readers never observe a
// partial document. Caller holds mu.
func (s *fileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
