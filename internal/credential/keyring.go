// Package credential resolves mailbox secrets through the system keyring.
// SQLite only ever holds the keyring key, never the password.
package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"

	"github.com/nhle/jobmail/internal/model"
)

// ErrNoSecret is returned when the keyring holds nothing under a key.
var ErrNoSecret = errors.New("no secret stored")

// Keyring stores and resolves mailbox passwords.
type Keyring struct {
	ring    keyring.Keyring
	service string
}

// Open returns a Keyring backed by the first available system backend.
func Open(cfg model.KeyringConfig) (*Keyring, error) {
	service := cfg.Service
	if service == "" {
		service = "jobmail"
	}
	fileDir := cfg.FileDir
	if fileDir == "" {
		fileDir = "~/.config/jobmail/credentials"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring, service), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring, service string) *Keyring {
	return &Keyring{ring: ring, service: service}
}

// KeyFor returns the keyring key under which userID's password lives.
func (k *Keyring) KeyFor(userID string) string {
	return k.service + "/mailbox/" + strings.TrimSpace(userID)
}

// Decrypt resolves a credential secret (a keyring key) to the password.
func (k *Keyring) Decrypt(secret string) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	item, err := k.ring.Get(secret)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", secret, ErrNoSecret)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", secret, err)
	}
	return string(item.Data), nil
}

// Store saves password for userID and returns the key to persist as the
// credential's secret.
func (k *Keyring) Store(userID, password string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id must not be empty")
	}
	key := k.KeyFor(userID)
	err := k.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(password),
		Label:       "jobmail mailbox " + userID,
		Description: "mailbox password",
	})
	if err != nil {
		return "", fmt.Errorf("setting credential %q: %w", key, err)
	}
	return key, nil
}

// Delete removes the secret stored under key. Missing keys are ignored.
func (k *Keyring) Delete(key string) error {
	err := k.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
