// Package crypto adapts the standard library's hash, HMAC and block-cipher
// primitives behind the named-capability table described in spec §4.3 and
// §9's "tagged-variant capability table" design note: engines resolve an
// algorithm name at negotiation time into a concrete operation handle
// stored on the session, rather than branching on strings at every call
// site. See DESIGN.md for why these stay on stdlib rather than a pack
// dependency.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"hash"
)

// Hash algorithm names, as they appear on the wire (AUTH/hello algorithm lists).
const (
	HashSHA256 = "SHA256"
)

// Cipher algorithm names, as advertised in the hide-algos list and named in HIDE commands.
const (
	CipherAES128CBC = "AES-128-CBC"
)

// HashFactory returns a fresh, unkeyed hash.Hash for the named algorithm.
func HashFactory(name string) (func() hash.Hash, bool) {
	switch name {
	case HashSHA256:
		return sha256.New, true
	default:
		return nil, false
	}
}

// HMAC wraps hash.Hash keyed construction for the named algorithm, matching
// spec's hmac_new/hmac_update/hmac_finalize trio. Update may be called any
// number of times before Finalize; Finalize is terminal.
type HMAC struct {
	h hash.Hash
}

// NewHMAC constructs an HMAC context for algorithm name, keyed with key.
// Unknown names return (nil, false) so callers can surface a NegotiationError.
func NewHMAC(name string, key []byte) (*HMAC, bool) {
	factory, ok := HashFactory(name)
	if !ok {
		return nil, false
	}
	return &HMAC{h: hmac.New(factory, key)}, true
}

// Update feeds additional message bytes into the running HMAC.
func (m *HMAC) Update(p []byte) {
	// hash.Hash.Write never returns an error per its documented contract.
	_, _ = m.h.Write(p)
}

// Finalize returns the HMAC tag. The context must not be reused afterward;
// callers that need a fresh computation must call NewHMAC again.
func (m *HMAC) Finalize() []byte {
	return m.h.Sum(nil)
}

// BlockCipherFactory resolves a named block cipher into its block size and a
// cipher.Block constructor keyed with key. Only AES-128-CBC is mandatory.
func BlockCipherFactory(name string, key []byte) (cipher.Block, int, error) {
	switch name {
	case CipherAES128CBC:
		blk, err := aes.NewCipher(key)
		if err != nil {
			return nil, 0, fmt.Errorf("aes key: %w", err)
		}
		return blk, blk.BlockSize(), nil
	default:
		return nil, 0, fmt.Errorf("unknown cipher %q", name)
	}
}

// EncryptBlock performs cipher_encrypt_block: a single block-sized ECB-style
// encryption used for HIDE session-key derivation (spec §3, HIDE state).
func EncryptBlock(blk cipher.Block, plaintext []byte) []byte {
	out := make([]byte, len(plaintext))
	blk.Encrypt(out, plaintext)
	return out
}

// NewCBCEncrypter and NewCBCDecrypter expose streaming CBC state with an
// externally supplied IV, per spec §4.3's "streaming encrypt/decrypt with
// explicit chain state" requirement.
func NewCBCEncrypter(blk cipher.Block, iv []byte) cipher.BlockMode {
	return cipher.NewCBCEncrypter(blk, iv)
}

func NewCBCDecrypter(blk cipher.Block, iv []byte) cipher.BlockMode {
	return cipher.NewCBCDecrypter(blk, iv)
}
