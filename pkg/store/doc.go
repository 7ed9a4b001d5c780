// Package store persists the session record between ssoctl invocations,
// either as a 0600 JSON file in the user's config directory or in the OS
// keychain.
package store
