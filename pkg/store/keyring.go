package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/telekom/ssoctl/pkg/sso"
)

// DefaultKeyringService is the keychain service name used for session records.
const DefaultKeyringService = "ssoctl"

// KeyringStore keeps the session record in the OS keychain (macOS Keychain,
// Secret Service, Windows Credential Manager).
type KeyringStore struct {
	service string
	account string
}

var _ sso.SessionStore = (*KeyringStore)(nil)

// NewKeyringStore creates a store for the given keychain service and account.
func NewKeyringStore(service, account string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	if account == "" {
		account = "default"
	}
	return &KeyringStore{service: service, account: account}
}

// Load reads the stored record. A missing entry yields (nil, nil).
func (s *KeyringStore) Load(_ context.Context) (*sso.SessionRecord, error) {
	secret, err := keyring.Get(s.service, s.account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session from keychain: %w", err)
	}
	return decodeRecord([]byte(secret))
}

// Save replaces the stored record.
func (s *KeyringStore) Save(_ context.Context, record sso.SessionRecord) error {
	content, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	if err := keyring.Set(s.service, s.account, string(content)); err != nil {
		return fmt.Errorf("failed to write session to keychain: %w", err)
	}
	return nil
}

// Clear removes the stored record. Clearing an absent record is not an error.
func (s *KeyringStore) Clear(_ context.Context) error {
	if err := keyring.Delete(s.service, s.account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to remove session from keychain: %w", err)
	}
	return nil
}
