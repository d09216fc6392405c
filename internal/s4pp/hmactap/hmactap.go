// Package hmactap implements the Streaming HMAC Tap (spec §4.5): the
// three-state idle/capturing/done machine that feeds a single HMAC context
// the exact plaintext bytes forming a sequence's body, bracketed precisely
// at [SEQ-line-start, SIG-line-start). The state-transition shape mirrors
// the teacher's chunk.ChunkStreamState (ApplyHeader/AppendChunkData
// returning (complete, value, error)); here the equivalent triggers are
// Begin/Feed/Finalize.
package hmactap

import (
	"fmt"

	"github.com/finlaysensors/s4pp/internal/s4pp/crypto"
)

// State is the tap's lifecycle position.
type State int

const (
	// Idle: no sequence is being captured.
	Idle State = iota
	// Capturing: bytes of the in-flight sequence body are being fed.
	Capturing
	// Done: the sequence's SIG line was reached; Finalize has produced a tag
	// and the tap is waiting for Reset (commit/abort) to return to Idle.
	Done
)

// Tap accumulates the HMAC over one sequence body at a time. Not safe for
// concurrent use; owned exclusively by the session (spec §5 shared-resource
// policy).
type Tap struct {
	state State
	hm    *crypto.HMAC
}

// New constructs a Tap bound to no sequence yet (Idle).
func New() *Tap {
	return &Tap{state: Idle}
}

// State reports the tap's current lifecycle position.
func (t *Tap) State() State { return t.state }

// Begin transitions Idle → Capturing: it pre-seeds a fresh HMAC context
// keyed by the shared key with the raw-decoded challenge token bytes
// (spec invariant 3: "the MAC input is challenge-token-raw || sequence-bytes").
// Begin must be called before the SEQ line's bytes are fed.
func (t *Tap) Begin(algo string, key []byte, rawChallengeToken []byte) error {
	if t.state != Idle {
		return fmt.Errorf("hmactap: Begin called while in state %v, want Idle", t.state)
	}
	hm, ok := crypto.NewHMAC(algo, key)
	if !ok {
		return fmt.Errorf("hmactap: unknown hash algorithm %q", algo)
	}
	hm.Update(rawChallengeToken)
	t.hm = hm
	t.state = Capturing
	return nil
}

// Feed appends the verbatim bytes of one pre-SIG line, including its
// trailing LF, to the running HMAC. Must only be called while Capturing.
func (t *Tap) Feed(lineWithLF []byte) error {
	if t.state != Capturing {
		return fmt.Errorf("hmactap: Feed called while in state %v, want Capturing", t.state)
	}
	t.hm.Update(lineWithLF)
	return nil
}

// Finalize transitions Capturing → Done and returns the sequence's HMAC
// tag. The SIG line itself (nor its "SIG" prefix byte) must never have been
// fed — the caller classifies a line as SIG before calling Finalize, not
// after feeding it.
func (t *Tap) Finalize() ([]byte, error) {
	if t.state != Capturing {
		return nil, fmt.Errorf("hmactap: Finalize called while in state %v, want Capturing", t.state)
	}
	tag := t.hm.Finalize()
	t.state = Done
	return tag, nil
}

// Reset transitions Done → Idle (on commit or abort completing), or aborts
// an in-progress Capturing tap directly back to Idle (transport error /
// sequence abort before SIG was ever seen).
func (t *Tap) Reset() {
	t.hm = nil
	t.state = Idle
}
