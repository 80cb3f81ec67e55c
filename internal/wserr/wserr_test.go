package wserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	a := Wrap(KindPeerBroken, "write failed", errors.New("epipe"))
	b := New(KindPeerBroken, "a different message")
	assert.True(t, errors.Is(a, b))

	c := New(KindClientClosed, "")
	assert.False(t, errors.Is(a, c))
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := New(KindCGIProtocolError, "meta block never terminated")
	wrapped := errors.New("outer: " + inner.Error())
	_, ok := KindOf(wrapped)
	assert.False(t, ok)

	kind, ok := KindOf(inner)
	assert.True(t, ok)
	assert.Equal(t, KindCGIProtocolError, kind)

	viaErrorf := fmt.Errorf("outer: %w", inner)
	kind, ok = KindOf(viaErrorf)
	assert.True(t, ok)
	assert.Equal(t, KindCGIProtocolError, kind)
}

func TestStatusForMapsKindsToStatusCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindBadRequestSyntax, 400},
		{KindRequestTooLarge, 400},
		{KindCGIProtocolError, 502},
		{KindCGISpawnFailed, 502},
		{KindForkPoolExhausted, 503},
		{KindTransportBroken, 500},
		{KindAcceptFatal, 500},
	}
	for _, tc := range cases {
		got := StatusFor(New(tc.kind, ""))
		assert.Equal(t, tc.want, got, "kind=%s", tc.kind)
	}
	assert.Equal(t, 500, StatusFor(errors.New("unkinded")))
}

func TestSilentOnlyForClientClosedAndPeerBroken(t *testing.T) {
	assert.True(t, Silent(New(KindClientClosed, "")))
	assert.True(t, Silent(New(KindPeerBroken, "")))
	assert.False(t, Silent(New(KindBadRequestSyntax, "")))
	assert.False(t, Silent(errors.New("unkinded")))
}
