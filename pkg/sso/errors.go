package sso

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthorizationPending means the user has not approved the device yet.
	ErrAuthorizationPending = errors.New("authorization pending")
	// ErrSlowDown means the provider asks the client to poll less often.
	ErrSlowDown = errors.New("slow down")
	// ErrDeviceCodeExpired means the device code can no longer be redeemed.
	ErrDeviceCodeExpired = errors.New("device code expired")
	// ErrInvalidClient means the client registration was rejected.
	ErrInvalidClient = errors.New("invalid client registration")
	// ErrPollingTimedOut means the token poller gave up.
	ErrPollingTimedOut = errors.New("polling timed out")
	// ErrRateLimited means the provider throttled the request.
	ErrRateLimited = errors.New("rate limited by provider")
	// ErrAuthenticationExpired means the session or token is no longer valid.
	ErrAuthenticationExpired = errors.New("authentication expired")
	// ErrNotAuthenticated means there is no session.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrLoginCancelled means the login attempt was cancelled by logout.
	ErrLoginCancelled = errors.New("login cancelled")
	// ErrLoginSuperseded means a newer login attempt replaced this one.
	ErrLoginSuperseded = errors.New("login superseded by a newer attempt")
	// ErrSessionCorrupt means the persisted session record cannot be decoded.
	ErrSessionCorrupt = errors.New("stored session is unreadable")
)

// ConfigurationError reports a missing or invalid setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration error: %s is required", e.Field)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ProviderError is any failure reported by the identity or entitlement API
// that has no dedicated sentinel.
type ProviderError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err must end the session.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationExpired)
}

// UserMessage renders err for display. Expired or invalid sessions always map
// to a log-in-again message, never to the provider's raw text.
func UserMessage(err error) string {
	var cfgErr *ConfigurationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationExpired):
		return "Your session has expired. Please log in again."
	case errors.Is(err, ErrNotAuthenticated):
		return "Not logged in. Please log in."
	case errors.Is(err, ErrPollingTimedOut):
		return "The login request timed out before it was approved. Please try again."
	case errors.Is(err, ErrLoginCancelled), errors.Is(err, ErrLoginSuperseded):
		return "The login attempt was cancelled."
	case errors.As(err, &cfgErr):
		return cfgErr.Error()
	default:
		return err.Error()
	}
}
