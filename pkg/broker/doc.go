// Package broker lists entitlements and issues role credentials for a bearer
// token. Every call goes through the endpoint family's rate limiter; throttled
// requests are retried a bounded number of times and identical concurrent
// requests share one in-flight call.
package broker
