// Package session owns the single logical SSO session of a process: the
// in-memory token cache, the fixed session window, the device authorization
// flow and the Controller that ties them to durable storage, the credential
// broker and lifecycle events.
package session
