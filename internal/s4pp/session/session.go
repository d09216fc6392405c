// Package session models the per-connection Session data model (spec §3)
// and the server-side state machine (spec §4.6): AwaitingClientHelloOrAuth
// → AwaitingAuth → Authenticated → InSequence → Authenticated (loop) →
// Closed. The struct shape, explicit state enum, and small validating
// accessor/mutator methods follow the teacher's conn.Session — "mutated
// only by the command-handling goroutine; no locks required" (spec §5:
// the protocol engine is single-threaded cooperative per session).
package session

import "fmt"

// State is the server-side session lifecycle position (spec §4.6).
type State uint8

const (
	AwaitingClientHelloOrAuth State = iota
	AwaitingAuth
	Authenticated
	InSequence
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingClientHelloOrAuth:
		return "AwaitingClientHelloOrAuth"
	case AwaitingAuth:
		return "AwaitingAuth"
	case Authenticated:
		return "Authenticated"
	case InSequence:
		return "InSequence"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// HideState is present after a successful HIDE command (spec §3 HIDE state).
type HideState struct {
	Algorithm  string
	BlockSize  int
	SessionKey []byte
}

// Session holds per-connection S4PP session metadata established after the
// hello/challenge exchange and (optionally) AUTH. Concurrency: mutated only
// by the session's own read/dispatch goroutine.
type Session struct {
	id string

	// Negotiated at hello/challenge time.
	protocolVersion string
	peerHashAlgos   []string
	peerHideAlgos   []string
	maxSamples      int

	// Challenge token, both forms (spec §3: "raw-byte form ... required
	// both for HIDE key derivation and as an HMAC seed").
	challengeTokenASCII string
	challengeTokenRaw   []byte

	// Populated once AUTH succeeds.
	authenticated   bool
	authenticatedAs string // keyid
	chosenHashAlgo  string

	lastCommittedSeqid    *int64
	currentSeqid          int64
	hide                  *HideState
	state                 State
}

// New creates a Session in AwaitingClientHelloOrAuth state, identified by id
// (a caller-supplied connection/session identifier used only for logging
// and the session registry, never part of the wire protocol).
func New(id string) *Session {
	return &Session{id: id, state: AwaitingClientHelloOrAuth}
}

// ID returns the session's logical identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// SetChallenge records the negotiated hello parameters and challenge token,
// transitioning AwaitingClientHelloOrAuth → AwaitingAuth.
func (s *Session) SetChallenge(version string, peerHashAlgos, peerHideAlgos []string, maxSamples int, tokenASCII string, tokenRaw []byte) {
	s.protocolVersion = version
	s.peerHashAlgos = peerHashAlgos
	s.peerHideAlgos = peerHideAlgos
	s.maxSamples = maxSamples
	s.challengeTokenASCII = tokenASCII
	s.challengeTokenRaw = tokenRaw
	if s.state == AwaitingClientHelloOrAuth {
		s.state = AwaitingAuth
	}
}

// Authenticate records a successful AUTH and transitions to Authenticated.
// It may only be called from AwaitingAuth.
func (s *Session) Authenticate(keyid, hashAlgo string) error {
	if s.state != AwaitingAuth {
		return fmt.Errorf("session: Authenticate called in state %s, want AwaitingAuth", s.state)
	}
	s.authenticated = true
	s.authenticatedAs = keyid
	s.chosenHashAlgo = hashAlgo
	s.state = Authenticated
	return nil
}

// EnterSequence transitions Authenticated → InSequence when a SEQ line
// begins a new in-flight sequence, and records the in-flight seqid.
func (s *Session) EnterSequence(seqid int64) error {
	if s.state != Authenticated {
		return fmt.Errorf("session: EnterSequence called in state %s, want Authenticated", s.state)
	}
	s.currentSeqid = seqid
	s.state = InSequence
	return nil
}

// CompleteSequence transitions InSequence → Authenticated. If committed is
// true, lastCommittedSeqid is advanced to the sequence just finished (spec
// invariant 1: seqid must strictly increase within a session).
func (s *Session) CompleteSequence(committed bool) error {
	if s.state != InSequence {
		return fmt.Errorf("session: CompleteSequence called in state %s, want InSequence", s.state)
	}
	if committed {
		seqid := s.currentSeqid
		s.lastCommittedSeqid = &seqid
	}
	s.state = Authenticated
	return nil
}

// Close transitions to Closed from any state (fatal framing/transport error,
// or graceful shutdown).
func (s *Session) Close() { s.state = Closed }

// ActivateHide installs HIDE state; callers must have already verified no
// active sequence and no prior HIDE activation (spec §3 invariant 5).
func (s *Session) ActivateHide(h HideState) error {
	if s.hide != nil {
		return fmt.Errorf("session: HIDE already activated")
	}
	if s.state == InSequence {
		return fmt.Errorf("session: HIDE cannot activate inside a sequence")
	}
	s.hide = &h
	return nil
}

// Hide returns the active HIDE state, or nil if none.
func (s *Session) Hide() *HideState { return s.hide }

// Authenticated reports whether AUTH has succeeded.
func (s *Session) Authenticated() bool { return s.authenticated }

// AuthenticatedKeyID returns the keyid recorded by Authenticate.
func (s *Session) AuthenticatedKeyID() string { return s.authenticatedAs }

// ChosenHashAlgo returns the hash algorithm negotiated at AUTH time.
func (s *Session) ChosenHashAlgo() string { return s.chosenHashAlgo }

// ChallengeTokenASCII returns the challenge token as transmitted (hex ASCII).
func (s *Session) ChallengeTokenASCII() string { return s.challengeTokenASCII }

// ChallengeTokenRaw returns the decoded challenge token bytes.
func (s *Session) ChallengeTokenRaw() []byte { return s.challengeTokenRaw }

// PeerHashAlgos returns the algorithms the peer advertised at hello time.
func (s *Session) PeerHashAlgos() []string { return s.peerHashAlgos }

// PeerHideAlgos returns the HIDE algorithms the peer advertised at hello time.
func (s *Session) PeerHideAlgos() []string { return s.peerHideAlgos }

// MaxSamples returns the server-advertised max-samples-per-sequence limit.
func (s *Session) MaxSamples() int { return s.maxSamples }

// LastCommittedSeqid returns the last committed sequence id, or nil if none
// has been committed yet (spec §3: "initially 'none'").
func (s *Session) LastCommittedSeqid() *int64 { return s.lastCommittedSeqid }

// CurrentSeqid returns the in-flight sequence's seqid (only meaningful in InSequence).
func (s *Session) CurrentSeqid() int64 { return s.currentSeqid }
