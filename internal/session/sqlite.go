package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/najahiiii/tunnel-client/internal/model"
)

const (
	keyToken = "token"
	keyUser  = "user"
)

// SQLiteStore keeps the session in a small key/value table so it survives
// restarts.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string, log *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("session: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("session: %s: %w", pragma, err)
		}
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS session (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_unix INTEGER NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: init schema: %w", err)
	}
	if log != nil {
		log.Debug("session store opened", "path", path)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM session WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session: get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) put(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO session (key, value, updated_unix) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_unix = excluded.updated_unix`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("session: save %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetToken() (string, error) {
	return s.get(keyToken)
}

func (s *SQLiteStore) GetUser() (*model.User, error) {
	raw, err := s.get(keyUser)
	if err != nil {
		return nil, err
	}
	var u model.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("session: decode user: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) SaveToken(token string) error {
	return s.put(keyToken, token)
}

func (s *SQLiteStore) SaveUser(user model.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("session: encode user: %w", err)
	}
	return s.put(keyUser, string(raw))
}

func (s *SQLiteStore) ClearAll() error {
	if _, err := s.db.Exec(`DELETE FROM session`); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}
