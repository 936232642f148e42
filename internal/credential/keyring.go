// Package credential reads mailbox passwords from the system keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// ServiceName is the keyring service under which passwords are stored.
const ServiceName = "mailbridge"

// ErrNotFound is returned when the keyring has no entry for the account.
var ErrNotFound = errors.New("credential: not found")

// Store looks up passwords keyed by account username.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring. fileDir is used by the encrypted file
// backend when no native backend is available.
func Open(fileDir string) (*Store, error) {
	if fileDir == "" {
		fileDir = "~/.config/mailbridge/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailbridge-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Password returns the stored password for username.
func (s *Store) Password(username string) (string, error) {
	item, err := s.ring.Get(username)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", username, err)
	}
	return string(item.Data), nil
}

// SetPassword stores password for username.
func (s *Store) SetPassword(username, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:   username,
		Data:  []byte(password),
		Label: "mailbridge IMAP password for " + username,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", username, err)
	}
	return nil
}

// Delete removes the stored password for username.
func (s *Store) Delete(username string) error {
	err := s.ring.Remove(username)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", username, err)
	}
	return nil
}
