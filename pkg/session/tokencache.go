package session

import (
	"sync"

	"github.com/telekom/ssoctl/pkg/sso"
)

// TokenCache holds the current bearer token and the registered OAuth client.
// Getters return copies; persistence is up to the caller.
type TokenCache struct {
	mu           sync.RWMutex
	token        *sso.BearerToken
	registration *sso.ClientRegistration
}

// NewTokenCache returns an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{}
}

// Get returns the current token, or nil.
func (c *TokenCache) Get() *sso.BearerToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return nil
	}
	t := *c.token
	return &t
}

// Set replaces the token. The registration is left alone.
func (c *TokenCache) Set(token sso.BearerToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = &token
}

// ClientRegistration returns the stored registration, or nil.
func (c *TokenCache) ClientRegistration() *sso.ClientRegistration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.registration == nil {
		return nil
	}
	r := *c.registration
	return &r
}

// SetClientRegistration replaces the registration.
func (c *TokenCache) SetClientRegistration(reg sso.ClientRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registration = &reg
}

// Restore sets token and registration in one step.
func (c *TokenCache) Restore(token sso.BearerToken, reg *sso.ClientRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = &token
	if reg != nil {
		r := *reg
		c.registration = &r
	} else {
		c.registration = nil
	}
}

// Clear drops both token and registration.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	c.registration = nil
}

// Empty reports whether neither a token nor a registration is held.
func (c *TokenCache) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token == nil && c.registration == nil
}
