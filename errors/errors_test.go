package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrConnectionTimeout))
	assert.True(t, IsTransient(ErrConnectionLost))
	assert.True(t, IsTransient(ErrStorageUnavailable))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("dial tcp: network unreachable")))
	assert.False(t, IsTransient(ErrChecksumFailed))
	assert.False(t, IsTransient(WrapFatal(ErrMissingPreamble, "glider", "Open", "header read")))
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrOverlappingChunks))
	assert.True(t, IsFatal(ErrMissingPreamble))
	assert.True(t, IsFatal(ErrMissingStateKey))
	assert.True(t, IsFatal(ErrSeekPastEnd))
	assert.True(t, IsFatal(ErrInconsistentState))
	assert.False(t, IsFatal(ErrChecksumFailed))
}

func TestIsInvalid(t *testing.T) {
	assert.False(t, IsInvalid(nil))
	assert.True(t, IsInvalid(ErrChecksumFailed))
	assert.True(t, IsInvalid(ErrFieldDecode))
	assert.True(t, IsInvalid(ErrNoExpectedField))
	assert.True(t, IsInvalid(ErrUnexpectedData))
	assert.False(t, IsInvalid(ErrConnectionTimeout))
}

func TestClassifyPrecedence(t *testing.T) {
	// Fatal wins over the message-pattern transient check even when the
	// message happens to contain a transient-looking word.
	err := WrapFatal(fmt.Errorf("connection state corrupt"), "parser", "Restore", "state validation")
	assert.Equal(t, ErrorFatal, Classify(err))

	assert.Equal(t, ErrorInvalid, Classify(ErrChecksumFailed))
	assert.Equal(t, ErrorTransient, Classify(errors.New("some unknown condition")))
	assert.Equal(t, ErrorTransient, Classify(nil))
}

func TestWrapFormat(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "SIOParser", "Parse", "header decode")
	require.Error(t, err)
	assert.Equal(t, "SIOParser.Parse: header decode failed: boom", err.Error())
	assert.True(t, errors.Is(err, base))

	assert.Nil(t, Wrap(nil, "a", "b", "c"))
	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassificationPreservedThroughChain(t *testing.T) {
	inner := WrapInvalid(ErrChecksumFailed, "sio", "validate", "block checksum")
	outer := fmt.Errorf("record 3: %w", inner)

	var ce *ClassifiedError
	require.True(t, errors.As(outer, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "sio", ce.Component)
	assert.True(t, errors.Is(outer, ErrChecksumFailed))
	assert.True(t, IsInvalid(outer))
}
