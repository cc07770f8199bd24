package conductorerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New(TransientStoreError, "write case row", cause)

	require.Error(t, err)
	assert.Equal(t, TransientStoreError, KindOf(err))
	assert.True(t, Is(err, TransientStoreError))
	assert.False(t, Is(err, StaleEvent))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestNewWithoutCause(t *testing.T) {
	err := New(StaleEvent, "case already terminal", nil)

	assert.Equal(t, "StaleEvent: case already terminal", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestKindOfUntaggedError(t *testing.T) {
	plain := errors.New("plain error")
	assert.Equal(t, Kind(""), KindOf(plain))
	assert.False(t, Is(plain, StaleEvent))
}

func TestOuterKindWinsOverWrappedKind(t *testing.T) {
	inner := New(ConfigurationError, "bad template", nil)
	outer := New(TransientStoreError, "retry failed", inner)

	// outer's own Kind wins for KindOf/Is — wrapping re-tags the error, it
	// does not merge kinds.
	assert.Equal(t, TransientStoreError, KindOf(outer))
}
