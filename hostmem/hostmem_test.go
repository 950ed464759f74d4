package hostmem

import (
	"testing"

	"github.com/gomlx/nnrt/result"
	"github.com/stretchr/testify/require"
)

func TestNewMapWriteRead(t *testing.T) {
	r, err := New(4096)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	require.True(t, r.Valid())
	require.True(t, r.Mappable())
	require.Equal(t, 4096, r.Size())

	data, err := r.Bytes()
	require.NoError(t, err)
	require.Len(t, data, 4096)

	data[0] = 0xAB
	data[4095] = 0xCD
	require.NoError(t, r.Flush())

	// Mapping is idempotent.
	again, err := r.Bytes()
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), again[0])
	require.Equal(t, byte(0xCD), again[4095])
}

func TestNewInvalidSize(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, result.ErrBadData)
	_, err = New(-1)
	require.ErrorIs(t, err, result.ErrBadData)
}

func TestFromFdSharesContents(t *testing.T) {
	src, err := New(4096)
	require.NoError(t, err)
	defer src.Close()

	data, err := src.Bytes()
	require.NoError(t, err)
	copy(data, []byte("shared region"))
	require.NoError(t, src.Flush())

	// The duplicate maps the same backing store.
	dup, err := FromFd(4096, ProtRead|ProtWrite, src.Fd(), 0)
	require.NoError(t, err)
	defer dup.Close()

	dupData, err := dup.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("shared region"), dupData[:13])

	// Writes are visible both ways.
	dupData[0] = 'S'
	require.NoError(t, dup.Flush())
	require.Equal(t, byte('S'), data[0])
}

func TestFromFdValidation(t *testing.T) {
	_, err := FromFd(0, ProtRead, 3, 0)
	require.ErrorIs(t, err, result.ErrBadData)
	_, err = FromFd(4096, ProtRead, -1, 0)
	require.ErrorIs(t, err, result.ErrBadData)
}

func TestFromFdOwnsDuplicate(t *testing.T) {
	src, err := New(4096)
	require.NoError(t, err)

	dup, err := FromFd(4096, ProtRead, src.Fd(), 0)
	require.NoError(t, err)

	// Closing the source must not invalidate the duplicate.
	require.NoError(t, src.Close())
	data, err := dup.Bytes()
	require.NoError(t, err)
	require.Len(t, data, 4096)
	require.NoError(t, dup.Close())
}

func TestWrapHandleNonMappable(t *testing.T) {
	backing, err := New(4096)
	require.NoError(t, err)
	defer backing.Close()

	opaque := WrapHandle("hardware_buffer", backing.Fd(), 0, false)
	require.True(t, opaque.Valid())
	require.False(t, opaque.Mappable())

	err = opaque.Map()
	require.ErrorIs(t, err, result.ErrUnmappable)
	_, err = opaque.Bytes()
	require.ErrorIs(t, err, result.ErrUnmappable)

	// Close must not touch the externally owned fd.
	require.NoError(t, opaque.Close())
	_, err = backing.Bytes()
	require.NoError(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	r, err := New(128)
	require.NoError(t, err)
	_, err = r.Bytes()
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.False(t, r.Valid())

	err = r.Map()
	require.ErrorIs(t, err, result.ErrUnmappable)
}
