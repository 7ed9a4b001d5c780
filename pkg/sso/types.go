// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package sso

import (
	"sort"
	"time"
)

// ClientRegistration is the OAuth client identity issued by the identity
// provider. It is long-lived and only dropped on logout.
type ClientRegistration struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	Region       string    `json:"region,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Usable reports whether the registration can be reused for a login in region
// at time now.
func (r *ClientRegistration) Usable(region string, now time.Time) bool {
	if r == nil || r.ClientID == "" {
		return false
	}
	if r.Region != "" && region != "" && r.Region != region {
		return false
	}
	return r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt)
}

// DeviceAuthorization is the result of starting a device authorization.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               time.Duration
	Interval                time.Duration
}

// VerificationURL returns the complete verification URI when the provider
// supplied one, the plain URI otherwise.
func (d DeviceAuthorization) VerificationURL() string {
	if d.VerificationURIComplete != "" {
		return d.VerificationURIComplete
	}
	return d.VerificationURI
}

// BearerToken is the access token presented to entitlement APIs.
type BearerToken struct {
	AccessToken string    `json:"accessToken"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// SessionRecord is the persisted "am I logged in" record.
type SessionRecord struct {
	Token         BearerToken         `json:"token"`
	Registration  *ClientRegistration `json:"registration,omitempty"`
	StartedAt     time.Time           `json:"startedAt"`
	DurationLimit time.Duration       `json:"durationLimit"`
	Region        string              `json:"region"`
	StartURL      string              `json:"startUrl"`
}

// Complete reports whether the record carries both a token and a start time.
func (r *SessionRecord) Complete() bool {
	return r != nil && r.Token.AccessToken != "" && !r.StartedAt.IsZero()
}

// Account is an account the bearer token is entitled to.
type Account struct {
	AccountID    string `json:"accountId"`
	AccountName  string `json:"accountName,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// Role is a role the bearer token may assume in an account.
type Role struct {
	AccountID string `json:"accountId"`
	RoleName  string `json:"roleName"`
}

// AccountPage is one page of a ListAccounts response.
type AccountPage struct {
	Accounts  []Account
	NextToken string
}

// RolePage is one page of a ListAccountRoles response.
type RolePage struct {
	Roles     []Role
	NextToken string
}

// RoleCredentials are temporary credentials for one role in one account.
type RoleCredentials struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	Expiration      time.Time `json:"expiration"`
	AccountID       string    `json:"accountId"`
	RoleName        string    `json:"roleName"`
}

// Environment variable names consumed by downstream integrations.
const (
	EnvAccessKeyID     = "AWS_ACCESS_KEY_ID"
	EnvSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	EnvSessionToken    = "AWS_SESSION_TOKEN"
	EnvRegion          = "AWS_REGION"
	EnvDefaultRegion   = "AWS_DEFAULT_REGION"
)

// Env returns the credentials as environment key/value pairs.
func (c RoleCredentials) Env(region string) map[string]string {
	env := map[string]string{
		EnvAccessKeyID:     c.AccessKeyID,
		EnvSecretAccessKey: c.SecretAccessKey,
		EnvSessionToken:    c.SessionToken,
	}
	if region != "" {
		env[EnvRegion] = region
		env[EnvDefaultRegion] = region
	}
	return env
}

// Environ returns the credentials in os/exec "KEY=value" form, sorted by key.
func (c RoleCredentials) Environ(region string) []string {
	env := c.Env(region)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
