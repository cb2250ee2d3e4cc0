package cache

import (
	"crypto"
	_ "crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// keyDigestLen is the number of digest bytes kept in a key (16 hex chars).
const keyDigestLen = 8

// Deriver maps a (category, input) pair to a short, stable cache key
// of the form "<category>:<16 lowercase hex chars>".
//
// If the configured hash is not linked into the binary, Deriver degrades
// to a non-cryptographic xxhash of the input and the key becomes
// "<category>:<decimal uint64>". Keys only need to be stable and well
// spread; they are not a security boundary.
type Deriver struct {
	hash crypto.Hash
}

var defaultDeriver = NewDeriver(crypto.SHA256)

// NewDeriver returns a Deriver using h.
func NewDeriver(h crypto.Hash) *Deriver {
	return &Deriver{hash: h}
}

// Degraded reports whether d uses the non-cryptographic fallback.
func (d *Deriver) Degraded() bool {
	return !d.hash.Available()
}

// Derive returns the cache key of input under category.
func (d *Deriver) Derive(category, input string) string {
	if d.Degraded() {
		return category + ":" + strconv.FormatUint(xxhash.Sum64String(input), 10)
	}

	h := d.hash.New()
	_, _ = io.WriteString(h, input)
	sum := h.Sum(nil)
	if len(sum) > keyDigestLen {
		sum = sum[:keyDigestLen]
	}
	return category + ":" + hex.EncodeToString(sum)
}

// Derive derives a key with the default SHA-256 Deriver.
func Derive(category, input string) string {
	return defaultDeriver.Derive(category, input)
}
