package perr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeMapsToWireValue(t *testing.T) {
	assert.Equal(t, 1, New(Unknown, "").Code())
	assert.Equal(t, 11, New(InvalidValue, "").Code())
	assert.Equal(t, 55, New(InvalidExpirationMonth, "").Code())
	assert.Equal(t, 99, New(General, "").Code())
}

func TestCodeFallsBackToGeneralForUnmappedKind(t *testing.T) {
	e := New(Kind("SOMETHING_NEW"), "")
	assert.Equal(t, code[General], e.Code())
}

func TestErrorStringIncludesWrappedCause(t *testing.T) {
	cause := errors.New("connection refused")
	e := Wrap(Upstream, "gateway call failed", cause)
	assert.Equal(t, "gateway call failed: connection refused", e.Error())
	assert.ErrorIs(t, e, cause)
}

func TestIsComparesByKindNotMessage(t *testing.T) {
	a := New(NotFound, "first message")
	b := New(NotFound, "a totally different message")
	c := New(InvalidValue, "first message")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}

func TestAsUnwrapsThroughErrorsJoin(t *testing.T) {
	orig := New(InvalidLength, "too long")
	wrapped := errors.Join(orig)

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, InvalidLength, got.Kind)
}

func TestKindOfFallsBackToGeneralForForeignErrors(t *testing.T) {
	assert.Equal(t, General, KindOf(errors.New("not a perr.Error")))
	assert.Equal(t, NotFound, KindOf(ErrNotFound))
}

func TestUpstreamErrCarriesGatewayDetail(t *testing.T) {
	e := UpstreamErr("stripe", "card declined", "card_declined", "Your card was declined.")
	assert.Equal(t, "stripe", e.Gateway)
	assert.Equal(t, "card_declined", e.Failure)
	assert.Equal(t, "Your card was declined.", e.FailureMesg)
	assert.Equal(t, Upstream, e.Kind)
}
