// Package events distributes session lifecycle events. In-process
// subscribers are called synchronously; sinks (structured log, Kafka) receive
// events through an asynchronous, non-blocking queue.
package events
