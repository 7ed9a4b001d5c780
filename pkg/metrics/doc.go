// Package metrics defines Prometheus metrics for ssoctl, covering device
// logins, token polling, the credential broker, rate limiter waits, session
// lifecycle and event sink delivery.
package metrics
