package store

import (
	"fmt"

	"github.com/telekom/ssoctl/pkg/sso"
)

// Mode selects the session store backend.
type Mode string

const (
	ModeFile     Mode = "file"
	ModeKeychain Mode = "keychain"
)

// ParseMode validates a configured storage mode. Empty selects the file store.
func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case "", ModeFile:
		return ModeFile, nil
	case ModeKeychain:
		return ModeKeychain, nil
	default:
		return "", &sso.ConfigurationError{Field: "session-storage", Reason: fmt.Sprintf("unsupported value %q (use file or keychain)", value)}
	}
}

// New returns the store for mode. path is used by the file store, account
// identifies the keychain entry.
func New(mode Mode, path, account string) (sso.SessionStore, error) {
	switch mode {
	case "", ModeFile:
		if path == "" {
			return nil, &sso.ConfigurationError{Field: "session path"}
		}
		return NewFileStore(path), nil
	case ModeKeychain:
		return NewKeyringStore(DefaultKeyringService, account), nil
	default:
		return nil, &sso.ConfigurationError{Field: "session-storage", Reason: fmt.Sprintf("unsupported value %q", mode)}
	}
}
