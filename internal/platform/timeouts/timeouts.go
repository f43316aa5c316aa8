// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// RedisDial caps the wait time when establishing the Redis connection at
// startup.
const RedisDial = 5 * time.Second

// StorageRequest caps the time allowed for a single durable write of room
// state.
const StorageRequest = 5 * time.Second
