package result

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	require.Equal(t, NoError, CodeOf(nil))
	require.Equal(t, BadData, CodeOf(ErrBadData))
	require.Equal(t, BadState, CodeOf(ErrBadState))
	require.Equal(t, OutOfMemory, CodeOf(ErrOutOfMemory))
	require.Equal(t, Unmappable, CodeOf(ErrUnmappable))
	require.Equal(t, UnexpectedNull, CodeOf(ErrUnexpectedNull))
	require.Equal(t, OpFailed, CodeOf(ErrOpFailed))

	// Errors outside the taxonomy default to OpFailed.
	require.Equal(t, OpFailed, CodeOf(errors.New("driver hiccup")))
}

func TestCodeOfWrapped(t *testing.T) {
	err := errors.Wrapf(ErrBadData, "role (%d, %d) registered twice", 0, 2)
	require.Equal(t, BadData, CodeOf(err))
	require.True(t, errors.Is(err, ErrBadData))

	err = errors.WithStack(errors.Wrap(ErrUnmappable, "mmap"))
	require.Equal(t, Unmappable, CodeOf(err))
}

func TestCodeString(t *testing.T) {
	require.Equal(t, "NoError", NoError.String())
	require.Equal(t, "BadData", BadData.String())
	require.Equal(t, "Code(?)", Code(99).String())
}
