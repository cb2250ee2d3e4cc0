package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrBackendDisabled is returned by a Backend that is temporarily unable
// to serve requests, e.g. a redis client waiting for its server to come back.
var ErrBackendDisabled = errors.New("cache backend temporarily disabled")

// Backend is a plain string key/value store with per-entry expiry.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the value stored under key.
	// ok is false if the key does not exist or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key. The entry expires after ttl.
	// A single Set is atomic: readers see either the old or the new value.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Len returns the number of entries, or 0 if it is unknown.
	Len() int

	io.Closer
}
