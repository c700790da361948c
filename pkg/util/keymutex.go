package util

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// KeyMutex serializes work per key using a fixed set of striped locks.
// Two keys may share a stripe; that only costs parallelism, never correctness.
type KeyMutex struct {
	stripes []sync.Mutex
}

// NewKeyMutex creates a KeyMutex with n stripes (minimum 1).
func NewKeyMutex(n int) *KeyMutex {
	if n < 1 {
		n = 1
	}
	return &KeyMutex{stripes: make([]sync.Mutex, n)}
}

// Lock locks key and returns its unlock function.
func (m *KeyMutex) Lock(key string) func() {
	mu := &m.stripes[xxhash.Sum64String(key)%uint64(len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}
