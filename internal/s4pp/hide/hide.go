// Package hide implements the HIDE Framer (spec §4.2): the optional
// client→server confidentiality layer. It sits between the transport and
// the Line Framer on the server side (decrypting inbound bytes) and
// between the line emitter and the transport on the client side (encrypting
// outbound bytes). The streaming block-at-a-time transform discipline is
// grounded in the teacher's chunk reader/writer shape (reused payload
// buffers, restartable across calls), generalized here to CBC block
// encryption instead of length-prefixed chunk copies.
package hide

import (
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/finlaysensors/s4pp/internal/s4pp/crypto"
)

// DeriveSessionKey computes the HIDE session key per spec §3 HIDE state:
// take the first blockSize raw bytes of the decoded challenge token,
// right-pad with LF to blockSize if shorter, and encrypt one block with the
// shared key. The ciphertext output is the session key.
func DeriveSessionKey(cipherName string, sharedKey []byte, rawChallengeToken []byte) ([]byte, int, error) {
	blk, blockSize, err := crypto.BlockCipherFactory(cipherName, sharedKey)
	if err != nil {
		return nil, 0, fmt.Errorf("hide.derive_session_key: %w", err)
	}
	input := make([]byte, blockSize)
	n := copy(input, rawChallengeToken)
	for i := n; i < blockSize; i++ {
		input[i] = '\n'
	}
	return crypto.EncryptBlock(blk, input), blockSize, nil
}

// Encoder is the client-side outbound HIDE transform: it accumulates
// LF-terminated line bytes and flushes every complete block-sized unit to
// the underlying writer immediately, carrying any sub-block remainder
// forward to the next call. Padding with LF only happens at an explicit
// Flush, never between two lines of the same logical stream (spec §4.2:
// pad "when a block boundary is required but fewer than block_size bytes
// are available" — not after every line). The IV is all-zero for the
// first block; CBC chaining is owned internally by cipher.BlockMode across
// calls (Open Question #1 decision, see DESIGN.md).
type Encoder struct {
	w         io.Writer
	blockSize int
	enc       cipher.BlockMode
	pending   []byte
}

// NewEncoder constructs an Encoder keyed with sessionKey for cipherName,
// writing ciphertext to w.
func NewEncoder(w io.Writer, cipherName string, sessionKey []byte) (*Encoder, error) {
	blk, blockSize, err := crypto.BlockCipherFactory(cipherName, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("hide.new_encoder: %w", err)
	}
	iv := make([]byte, blockSize)
	return &Encoder{
		w:         w,
		blockSize: blockSize,
		enc:       crypto.NewCBCEncrypter(blk, iv),
	}, nil
}

// WriteLine appends line's bytes plus a trailing LF to the pending
// plaintext and flushes every complete block it can, leaving any
// sub-block remainder buffered for the next call — so no padding blank
// line is ever manufactured between two real lines of the same sequence.
// Call Flush at a natural boundary to force the remainder out.
func (e *Encoder) WriteLine(line []byte) error {
	e.pending = append(e.pending, line...)
	e.pending = append(e.pending, '\n')
	return e.flushWhole()
}

// flushWhole encrypts and writes every complete blockSize-multiple of the
// buffered plaintext, leaving the remainder (fewer than blockSize bytes)
// pending.
func (e *Encoder) flushWhole() error {
	n := len(e.pending) - len(e.pending)%e.blockSize
	if n == 0 {
		return nil
	}
	ct := make([]byte, n)
	e.enc.CryptBlocks(ct, e.pending[:n])
	e.pending = append([]byte(nil), e.pending[n:]...)
	if _, err := e.w.Write(ct); err != nil {
		return fmt.Errorf("hide.write_line: %w", err)
	}
	return nil
}

// Flush pads any buffered remainder to a full block with LF bytes and
// writes it. A peer synchronously waiting on a boundary — the discarded
// salt line right after HIDE activation, or a SIG line before the next
// OK/NOK/REJ — must not be left blocked on bytes still sitting in this
// encoder's local buffer, so callers flush at those boundaries. A no-op
// when nothing is pending.
func (e *Encoder) Flush() error {
	if len(e.pending) == 0 {
		return nil
	}
	for len(e.pending)%e.blockSize != 0 {
		e.pending = append(e.pending, '\n')
	}
	return e.flushWhole()
}

// Decoder is the server-side inbound HIDE transform: an io.Reader that
// reads ciphertext blocks from the underlying transport and yields
// decrypted plaintext, suitable for wrapping with wire.NewReader so the
// Line Framer operates transparently whether or not HIDE is active.
type Decoder struct {
	r         io.Reader
	blockSize int
	dec       cipher.BlockMode
	block     []byte // reused ciphertext scratch, sized blockSize
	plain     []byte // decrypted bytes not yet consumed by Read
}

// NewDecoder constructs a Decoder keyed with sessionKey for cipherName,
// reading ciphertext from r.
func NewDecoder(r io.Reader, cipherName string, sessionKey []byte) (*Decoder, error) {
	blk, blockSize, err := crypto.BlockCipherFactory(cipherName, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("hide.new_decoder: %w", err)
	}
	iv := make([]byte, blockSize)
	return &Decoder{
		r:         r,
		blockSize: blockSize,
		dec:       crypto.NewCBCDecrypter(blk, iv),
		block:     make([]byte, blockSize),
	}, nil
}

// Read implements io.Reader, decrypting one ciphertext block per
// underlying read when the internal plaintext buffer is empty.
func (d *Decoder) Read(p []byte) (int, error) {
	if len(d.plain) == 0 {
		if _, err := io.ReadFull(d.r, d.block); err != nil {
			return 0, err
		}
		out := make([]byte, d.blockSize)
		d.dec.CryptBlocks(out, d.block)
		d.plain = out
	}
	n := copy(p, d.plain)
	d.plain = d.plain[n:]
	return n, nil
}
