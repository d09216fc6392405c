package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathStateProgression(t *testing.T) {
	s := New("sess-1")
	assert.Equal(t, AwaitingClientHelloOrAuth, s.State())

	s.SetChallenge("1.2", []string{"SHA256"}, nil, 2000, "f8763c330bf5ed2feafaf56c484649bf", []byte{0xf8, 0x76})
	assert.Equal(t, AwaitingAuth, s.State())

	require.NoError(t, s.Authenticate("1234", "SHA256"))
	assert.Equal(t, Authenticated, s.State())
	assert.True(t, s.Authenticated())
	assert.Equal(t, "1234", s.AuthenticatedKeyID())

	require.NoError(t, s.EnterSequence(0))
	assert.Equal(t, InSequence, s.State())
	assert.Equal(t, int64(0), s.CurrentSeqid())

	require.NoError(t, s.CompleteSequence(true))
	assert.Equal(t, Authenticated, s.State())
	require.NotNil(t, s.LastCommittedSeqid())
	assert.Equal(t, int64(0), *s.LastCommittedSeqid())
}

func TestAuthenticateWrongStateRejected(t *testing.T) {
	s := New("sess-2")
	err := s.Authenticate("1234", "SHA256")
	assert.Error(t, err)
}

func TestCompleteSequenceAbortDoesNotAdvanceLastCommitted(t *testing.T) {
	s := New("sess-3")
	s.SetChallenge("1.2", []string{"SHA256"}, nil, 2000, "tok", []byte("tok"))
	require.NoError(t, s.Authenticate("k", "SHA256"))
	require.NoError(t, s.EnterSequence(7))
	require.NoError(t, s.CompleteSequence(false))
	assert.Nil(t, s.LastCommittedSeqid())
}

func TestHideActivationOnceOnly(t *testing.T) {
	s := New("sess-4")
	s.SetChallenge("1.2", []string{"SHA256"}, []string{"AES-128-CBC"}, 2000, "tok", []byte("tok"))
	require.NoError(t, s.Authenticate("k", "SHA256"))

	require.NoError(t, s.ActivateHide(HideState{Algorithm: "AES-128-CBC", BlockSize: 16, SessionKey: make([]byte, 16)}))
	require.NotNil(t, s.Hide())

	err := s.ActivateHide(HideState{Algorithm: "AES-128-CBC", BlockSize: 16})
	assert.Error(t, err)
}

func TestHideCannotActivateInsideSequence(t *testing.T) {
	s := New("sess-5")
	s.SetChallenge("1.2", []string{"SHA256"}, []string{"AES-128-CBC"}, 2000, "tok", []byte("tok"))
	require.NoError(t, s.Authenticate("k", "SHA256"))
	require.NoError(t, s.EnterSequence(0))

	err := s.ActivateHide(HideState{Algorithm: "AES-128-CBC", BlockSize: 16})
	assert.Error(t, err)
}
