// Package ratelimit spaces out calls to the identity provider's entitlement
// endpoints. Every endpoint family gets its own token-bucket limiter with a
// minimum interval between calls plus a one-slot semaphore that serializes
// whole operations within the family.
package ratelimit
