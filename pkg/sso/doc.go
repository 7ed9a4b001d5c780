// Package sso holds the data model shared by the session engine: client
// registrations, device authorizations, bearer tokens, persisted session
// records and role credentials, together with the collaborator interfaces
// (identity provider, entitlement provider, durable store, presenter) and the
// error taxonomy used across ssoctl.
package sso
