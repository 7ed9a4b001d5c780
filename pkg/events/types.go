// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"time"
)

// EventType represents the type of session event.
type EventType string

const (
	EventLoginStarted      EventType = "session.login_started"
	EventAuthenticated     EventType = "session.authenticated"
	EventLoginFailed       EventType = "session.login_failed"
	EventLoggedOut         EventType = "session.logged_out"
	EventRestored          EventType = "session.restored"
	EventExpired           EventType = "session.expired"
	EventForcedLogout      EventType = "session.forced_logout"
	EventClientRegistered  EventType = "client.registered"
	EventCredentialsIssued EventType = "credentials.issued"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// SeverityForEventType returns the default severity for an event type.
func SeverityForEventType(t EventType) Severity {
	switch t {
	case EventLoginFailed, EventExpired, EventForcedLogout:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Event is one session lifecycle notification. It never carries secrets.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Region    string            `json:"region,omitempty"`
	StartURL  string            `json:"startUrl,omitempty"`
	AccountID string            `json:"accountId,omitempty"`
	RoleName  string            `json:"roleName,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}
