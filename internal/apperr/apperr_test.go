package apperr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindConfig, false},
		{KindNetwork, true},
		{KindTimeout, true},
		{KindAuth, false},
		{KindProtocol, false},
		{KindPlatformTransient, true},
		{KindPlatformPermanent, false},
		{KindStore, false},
		{KindOverload, true},
		{KindInternal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom")
			require.Equal(t, tt.retryable, err.Retryable())
			require.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, KindNetwork, "remote unreachable")

	// Another layer of wrapping must not lose the classification.
	outer := errors.Wrap(err, "poll failed")
	require.Equal(t, KindNetwork, KindOf(outer))
	require.True(t, IsRetryable(outer))
	require.ErrorIs(t, err, cause)
}

func TestKindOfUnclassified(t *testing.T) {
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
	require.False(t, IsRetryable(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	require.Nil(t, Wrap(nil, KindStore, "no-op"))
}
