package inventory

import (
	"github.com/cespare/xxhash/v2"

	"github.com/rogerhu/gdb-heap/inferior"
)

// Cache holds the most recent scan, keyed by a hash of the inferior's
// state fingerprint. Walking and categorizing a large heap is
// expensive; as long as the inferior stays stopped, every query and
// report can share one scan.
type Cache struct {
	valid bool
	key   uint64
	scan  *Scan
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Lookup returns the cached scan if it was stored under the same key.
func (c *Cache) Lookup(key uint64) (*Scan, bool) {
	if c.valid && c.key == key {
		return c.scan, true
	}
	return nil, false
}

// Store replaces the cached scan.
func (c *Cache) Store(key uint64, s *Scan) {
	c.valid = true
	c.key = key
	c.scan = s
}

// Invalidate drops the cached scan.
func (c *Cache) Invalidate() {
	c.valid = false
	c.scan = nil
}

// stateKey hashes the inferior's state fingerprint, when it offers
// one. No fingerprint means no caching.
func stateKey(p inferior.Process) (uint64, bool) {
	f, ok := p.(inferior.StateFingerprinter)
	if !ok {
		return 0, false
	}
	b, err := f.StateFingerprint()
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(b), true
}
