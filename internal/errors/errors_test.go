package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimeoutErr simulates a net.Error with Timeout semantics.
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsProtocolErrorClassification(t *testing.T) {
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	ae := NewAuthError("server.auth", wrapped)
	assert.True(t, IsProtocolError(ae))
	assert.True(t, stdErrors.Is(ae, root))

	var a *AuthError
	require.True(t, stdErrors.As(ae, &a))
	assert.Equal(t, "server.auth", a.Op)

	fe := NewFramingError("parse.line", nil)
	assert.True(t, IsProtocolError(fe))

	ne := NewNegotiationError("hello.negotiate", nil)
	assert.True(t, IsProtocolError(ne))

	he := NewHideError("hide.activate", nil)
	assert.True(t, IsProtocolError(he))
}

func TestIsSequenceScoped(t *testing.T) {
	se := NewSequenceError("seq.monotonic", stdErrors.New("non-monotonic seqid"))
	assert.True(t, IsSequenceScoped(se))

	sig := NewSignatureError("sig.verify", nil)
	assert.True(t, IsSequenceScoped(sig))

	sink := NewSinkError("sink.commit", nil)
	assert.True(t, IsSequenceScoped(sink))

	fe := NewFramingError("parse.line", nil)
	assert.False(t, IsSequenceScoped(fe), "framing error is session-fatal, not sequence-scoped")

	nm := NewNonMonotonicSeqidError("seq.monotonic", 5)
	assert.True(t, IsSequenceScoped(nm))
	assert.True(t, IsProtocolError(nm))

	assert.False(t, IsSequenceScoped(nil))
}

func TestIsTimeout(t *testing.T) {
	root := fakeTimeoutErr{}
	to := NewTimeoutError("idle.abort", 5*time.Second, root)
	assert.True(t, IsTimeout(to))
	assert.False(t, IsProtocolError(to))
	assert.True(t, IsTimeout(context.DeadlineExceeded))

	var ne error = root
	assert.True(t, IsTimeout(ne))
}

func TestUnwrapChains(t *testing.T) {
	base := stdErrors.New("io EOF")
	l1 := fmt.Errorf("read: %w", base)
	l2 := NewFramingError("wire.read", l1)
	assert.True(t, stdErrors.Is(l2, base))

	var pm protocolMarker
	assert.True(t, stdErrors.As(l2, &pm))
}

func TestNilSafety(t *testing.T) {
	assert.False(t, IsProtocolError(nil))
	assert.False(t, IsTimeout(nil))
	assert.False(t, IsSequenceScoped(nil))
}

func TestConstructorWithoutCause(t *testing.T) {
	fe := NewFramingError("parse.msgHeader", nil)
	require.NotNil(t, fe)
	assert.NotEmpty(t, fe.Error())
}

func TestNilErrBranchesAndStrings(t *testing.T) {
	ne := NewNegotiationError("op1", nil)
	require.NotNil(t, ne)
	assert.True(t, IsProtocolError(ne))
	assert.NotEqual(t, "negotiation error:", ne.Error())

	ae := NewAuthError("op2", nil)
	assert.NotEqual(t, "auth error:", ae.Error())

	se := NewSequenceError("op3", nil)
	assert.NotEmpty(t, se.Error())

	sig := NewSignatureError("op4", nil)
	assert.NotEmpty(t, sig.Error())

	sink := NewSinkError("op4b", nil)
	assert.NotEmpty(t, sink.Error())

	he := NewHideError("op4c", nil)
	assert.NotEmpty(t, he.Error())

	to := NewTimeoutError("op5", 100*time.Millisecond, nil)
	assert.True(t, IsTimeout(to))
	assert.False(t, IsProtocolError(to))
	assert.NotEmpty(t, to.Error())
}

func TestDetailStripsOpWrapping(t *testing.T) {
	se := NewSequenceError("dictionary.begin_sequence", fmt.Errorf("unit_divisor must not be zero"))
	assert.Equal(t, "unit_divisor must not be zero", Detail(se))
	assert.NotContains(t, Detail(se), "dictionary.begin_sequence")

	nm := NewNonMonotonicSeqidError("dictionary.begin_sequence", 5)
	assert.Equal(t, "5", Detail(nm))

	plain := stdErrors.New("plain cause")
	assert.Equal(t, "plain cause", Detail(plain))
}

func TestNegativePredicates(t *testing.T) {
	plain := stdErrors.New("plain")
	assert.False(t, IsProtocolError(plain))
	assert.False(t, IsTimeout(plain))
	assert.False(t, IsSequenceScoped(plain))
}
