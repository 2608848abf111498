package gen

import "sync"

// KeyRotator hands out API keys round-robin so a pool of keys shares the
// request load. Safe for concurrent use. Implements KeySource.
type KeyRotator struct {
	mu   sync.Mutex
	keys []string
	next int
}

// NewKeyRotator returns a rotator over keys. An empty slice is allowed; Next
// then always returns "".
func NewKeyRotator(keys []string) *KeyRotator {
	return &KeyRotator{keys: keys}
}

// Next returns the next key in rotation.
func (r *KeyRotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	key := r.keys[r.next%len(r.keys)]
	r.next++
	return key
}
