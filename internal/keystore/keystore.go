// Package keystore provides the production collab.KeyStore implementation:
// shared key material lives in memguard.LockedBuffer instances (mlocked,
// zeroed on Destroy) rather than plain heap []byte; only the copies that
// Lookup returns to callers live on the ordinary heap. The
// LockedBuffer usage pattern (NewBufferFromBytes at load time, .Bytes() for
// borrowed read access, .Destroy() on teardown) is grounded on
// xendarboh-katzenpost's ratchet.go.
package keystore

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/finlaysensors/s4pp/internal/collab"
)

// Store is a memguard-backed, static keyid → key-material map. It is
// intended for production use where key material is loaded once (from
// config or a secrets file). The stored copy stays in locked memory; each
// Lookup hands the caller an ordinary heap copy.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*memguard.LockedBuffer
}

// New creates an empty Store. Use Load to populate it.
func New() *Store {
	return &Store{keys: make(map[string]*memguard.LockedBuffer)}
}

// Load installs a key for keyid, taking ownership of a locked copy of key.
// The caller's key slice is not retained; callers should zero it themselves
// if it originated from an untrusted buffer.
func (s *Store) Load(keyid string, key []byte) error {
	if keyid == "" {
		return fmt.Errorf("keystore: keyid must not be empty")
	}
	if len(key) == 0 {
		return fmt.Errorf("keystore: key for %q must not be empty", keyid)
	}
	buf := memguard.NewBufferFromBytes(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.keys[keyid]; ok {
		old.Destroy()
	}
	s.keys[keyid] = buf
	return nil
}

// Lookup implements collab.KeyStore. The returned slice is a copy borrowed
// from the locked buffer's memory; callers must not retain it past the
// HMAC/cipher operation it serves (spec §5 shared-resource policy).
func (s *Store) Lookup(keyid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.keys[keyid]
	if !ok || buf.IsDestroyed() {
		return nil, collab.ErrKeyNotFound
	}
	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return out, nil
}

// Close destroys every held key, zeroing the underlying memory.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, buf := range s.keys {
		buf.Destroy()
	}
	s.keys = make(map[string]*memguard.LockedBuffer)
	return nil
}

var _ collab.KeyStore = (*Store)(nil)
