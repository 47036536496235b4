// Package idempotency extracts client-supplied idempotency keys and tracks
// which keys this process has already seen.
package idempotency

import (
	"net/http"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
)

// Header is the request header carrying the idempotency key.
const Header = "Idempotency-Key"

// MaxKeyLength bounds the accepted key size in bytes.
const MaxKeyLength = 128

// ErrInvalidKey is returned for keys that are too long or not printable ASCII.
var ErrInvalidKey = errors.New("invalid idempotency key")

// Key returns the trimmed idempotency key of r, or "" when none was sent.
func Key(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(Header))
	if key == "" {
		return "", nil
	}
	if len(key) > MaxKeyLength {
		return "", ErrInvalidKey
	}
	for i := range len(key) {
		if key[i] < 0x20 || key[i] > 0x7E {
			return "", ErrInvalidKey
		}
	}
	return key, nil
}

// Filter is a concurrency-safe bloom filter of seen keys. MayContain never
// returns false for a key that was added, so a negative answer lets callers
// skip a storage lookup.
type Filter struct {
	mu sync.Mutex
	bf *bloom.BloomFilter
}

// NewFilter sizes a Filter for capacity keys at the given false positive rate.
func NewFilter(capacity uint, fpRate float64) *Filter {
	return &Filter{bf: bloom.NewWithEstimates(capacity, fpRate)}
}

// Add records key as seen.
func (f *Filter) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bf.AddString(key)
}

// MayContain reports whether key might have been added.
func (f *Filter) MayContain(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.TestString(key)
}
