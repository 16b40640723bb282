package metadata

import (
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CachedSignatures is a SignatureProvider that remembers the signatures it
// resolved. Concurrent lookups of the same method share one call to the
// underlying provider. Failures are not cached.
type CachedSignatures struct {
	g           singleflight.Group
	maxCapacity int
	underlying  SignatureProvider
	mu          struct {
		sync.Mutex
		cache map[MethodHandle]*Signature
	}
}

var _ SignatureProvider = (*CachedSignatures)(nil)

// NewCachedSignatures wraps underlying with a cache of at most maxCapacity
// signatures.
func NewCachedSignatures(underlying SignatureProvider, maxCapacity int) *CachedSignatures {
	if maxCapacity < 1 {
		maxCapacity = 1
	}
	c := &CachedSignatures{
		maxCapacity: maxCapacity,
		underlying:  underlying,
	}
	c.mu.cache = make(map[MethodHandle]*Signature)
	return c
}

func (c *CachedSignatures) getCached(h MethodHandle) (*Signature, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.mu.cache[h]
	return s, ok
}

// Len returns the number of cached signatures.
func (c *CachedSignatures) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mu.cache)
}

// Signature implements SignatureProvider.
func (c *CachedSignatures) Signature(h MethodHandle) (*Signature, error) {
	if s, ok := c.getCached(h); ok {
		return s, nil
	}
	key := strconv.FormatUint(uint64(h), 16)
	si, err, _ := c.g.Do(key, func() (interface{}, error) {
		s, err := c.underlying.Signature(h)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for len(c.mu.cache) >= c.maxCapacity && len(c.mu.cache) > 0 {
			// Map iteration order picks the victim.
			for k := range c.mu.cache {
				delete(c.mu.cache, k)
				break
			}
		}
		c.mu.cache[h] = s
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signature: %w", err)
	}
	return si.(*Signature), nil
}
