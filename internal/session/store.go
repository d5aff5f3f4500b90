// Package session persists the control-plane login: the bearer token and
// the user it belongs to.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/najahiiii/tunnel-client/internal/model"
)

var ErrNotFound = errors.New("session: not found")

type Store interface {
	GetToken() (string, error)
	GetUser() (*model.User, error)
	SaveToken(token string) error
	SaveUser(user model.User) error
	ClearAll() error
}

// Open returns the store for backend. path is only used by sqlite.
func Open(backend, path string, log *slog.Logger) (Store, error) {
	switch backend {
	case "sqlite":
		return OpenSQLite(path, log)
	case "keyring":
		return NewKeyringStore(KeyringService), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("session: unknown backend %q", backend)
	}
}

// MemoryStore keeps the session for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
	user  *model.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) GetToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return "", ErrNotFound
	}
	return s.token, nil
}

func (s *MemoryStore) GetUser() (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.user == nil {
		return nil, ErrNotFound
	}
	u := *s.user
	return &u, nil
}

func (s *MemoryStore) SaveToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	return nil
}

func (s *MemoryStore) SaveUser(user model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = &user
	return nil
}

func (s *MemoryStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	s.user = nil
	return nil
}
