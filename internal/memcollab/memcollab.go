// Package memcollab provides trivial in-memory reference implementations of
// every external collaborator the S4PP engines consume: KeyStore, Entropy,
// Clock (internal/collab), and SampleSink (internal/s4pp/dictionary). These
// back the package test suites, and cmd/s4ppd takes its Entropy and
// SystemClock from here; they are independent of the production
// memguard/bbolt-backed implementations
// (SPEC_FULL.md §C.5).
package memcollab

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/finlaysensors/s4pp/internal/collab"
	"github.com/finlaysensors/s4pp/internal/s4pp/dictionary"
)

// KeyStore is a fixed in-memory keyid → shared-key-bytes map.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyStore creates a KeyStore pre-populated with keys.
func NewKeyStore(keys map[string][]byte) *KeyStore {
	ks := &KeyStore{keys: make(map[string][]byte, len(keys))}
	for k, v := range keys {
		cp := make([]byte, len(v))
		copy(cp, v)
		ks.keys[k] = cp
	}
	return ks
}

// Lookup implements collab.KeyStore.
func (ks *KeyStore) Lookup(keyid string) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[keyid]
	if !ok {
		return nil, collab.ErrKeyNotFound
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// Put adds or replaces a key, useful for test setup.
func (ks *KeyStore) Put(keyid string, key []byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	cp := make([]byte, len(key))
	copy(cp, key)
	ks.keys[keyid] = cp
}

var _ collab.KeyStore = (*KeyStore)(nil)

// Entropy generates challenge tokens from crypto/rand.
type Entropy struct{}

// NewEntropy constructs the default, crypto/rand-backed Entropy source.
func NewEntropy() Entropy { return Entropy{} }

// Token implements collab.Entropy.
func (Entropy) Token(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("memcollab.Entropy.Token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// FixedEntropy returns the same token every time; useful for golden vectors
// and deterministic tests that need to reproduce spec.md's seed scenarios.
type FixedEntropy struct {
	TokenHex string
}

// Token implements collab.Entropy.
func (f FixedEntropy) Token(int) (string, error) { return f.TokenHex, nil }

// SystemClock implements collab.Clock using time.Now.
type SystemClock struct{}

// Now implements collab.Clock.
func (SystemClock) Now() (int64, int64) {
	t := time.Now()
	return t.Unix(), int64(t.Nanosecond() / 1e6)
}

// FixedClock always reports the same instant; useful for deterministic tests.
type FixedClock struct {
	Sec int64
	Ms  int64
}

// Now implements collab.Clock.
func (f FixedClock) Now() (int64, int64) { return f.Sec, f.Ms }

// SampleSink is an in-memory dictionary.SampleSink: committed sequences and
// their samples are retained in process memory, never persisted.
type SampleSink struct {
	mu        sync.Mutex
	pending   map[int64][]dictionary.Sample
	committed map[int64][]dictionary.Sample
}

// NewSampleSink creates an empty in-memory sink.
func NewSampleSink() *SampleSink {
	return &SampleSink{
		pending:   make(map[int64][]dictionary.Sample),
		committed: make(map[int64][]dictionary.Sample),
	}
}

// Begin implements dictionary.SampleSink.
func (s *SampleSink) Begin(seqid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[seqid] = nil
	return nil
}

// Emit implements dictionary.SampleSink.
func (s *SampleSink) Emit(sample dictionary.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[sample.Seqid] = append(s.pending[sample.Seqid], sample)
	return nil
}

// Commit implements dictionary.SampleSink; always succeeds for the in-memory sink.
func (s *SampleSink) Commit(seqid int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[seqid] = s.pending[seqid]
	delete(s.pending, seqid)
	return true, nil
}

// Abort implements dictionary.SampleSink.
func (s *SampleSink) Abort(seqid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, seqid)
	return nil
}

// Committed returns the samples committed for seqid, for test assertions.
func (s *SampleSink) Committed(seqid int64) []dictionary.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dictionary.Sample(nil), s.committed[seqid]...)
}

var _ dictionary.SampleSink = (*SampleSink)(nil)
