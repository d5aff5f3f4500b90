package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/najahiiii/tunnel-client/internal/model"
)

// KeyringService is the service name entries are stored under.
const KeyringService = "tunnel-client"

// KeyringStore keeps the session in the OS keyring (Secret Service,
// macOS Keychain or Windows Credential Manager).
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

func (s *KeyringStore) get(key string) (string, error) {
	v, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session: keyring get %s: %w", key, err)
	}
	return v, nil
}

func (s *KeyringStore) GetToken() (string, error) {
	return s.get(keyToken)
}

func (s *KeyringStore) GetUser() (*model.User, error) {
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

func (s *KeyringStore) SaveToken(token string) error {
	if err := keyring.Set(s.service, keyToken, token); err != nil {
		return fmt.Errorf("session: keyring save token: %w", err)
	}
	return nil
}

func (s *KeyringStore) SaveUser(user model.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("session: encode user: %w", err)
	}
	if err := keyring.Set(s.service, keyUser, string(raw)); err != nil {
		return fmt.Errorf("session: keyring save user: %w", err)
	}
	return nil
}

func (s *KeyringStore) ClearAll() error {
	for _, key := range []string{keyToken, keyUser} {
		if err := keyring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("session: keyring delete %s: %w", key, err)
		}
	}
	return nil
}
