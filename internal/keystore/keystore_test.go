package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlaysensors/s4pp/internal/collab"
)

func TestLoadAndLookup(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Load("1234", []byte("secret")))
	key, err := s.Lookup("1234")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), key)
}

func TestLookupUnknownKeyid(t *testing.T) {
	s := New()
	defer s.Close()

	_, err := s.Lookup("nope")
	assert.ErrorIs(t, err, collab.ErrKeyNotFound)
}

func TestLoadRejectsEmptyInputs(t *testing.T) {
	s := New()
	defer s.Close()

	assert.Error(t, s.Load("", []byte("secret")))
	assert.Error(t, s.Load("1234", nil))
}

func TestCloseDestroysKeys(t *testing.T) {
	s := New()
	require.NoError(t, s.Load("1234", []byte("secret")))
	require.NoError(t, s.Close())

	_, err := s.Lookup("1234")
	assert.ErrorIs(t, err, collab.ErrKeyNotFound)
}

func TestReloadReplacesOldKey(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Load("1234", []byte("first")))
	require.NoError(t, s.Load("1234", []byte("second")))
	key, err := s.Lookup("1234")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), key)
}
