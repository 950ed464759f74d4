// Package hostmem implements host-mappable shared memory regions.
//
// A Region is the host-side backing store of a memory object: a shareable
// buffer identified by a file descriptor that can be mapped for byte-level
// access. Regions come from three places: fresh shared allocations (New),
// client file descriptors (FromFd, which duplicates the fd so the Region owns
// its own reference), and externally owned hardware-buffer handles
// (WrapHandle, which may be non-mappable for buffers with no byte-addressable
// layout).
//
// Mapping is lazy: a Region carries only the fd until Bytes or Map is called.
// On platforms without memfd support, fresh allocations fall back to unlinked
// temporary files.
package hostmem

import (
	"github.com/gomlx/nnrt/result"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Prot is the access protection requested for a mapping.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
)

// Region is one host-mappable (or opaque) shared memory area.
//
// Mutation (Map, Flush, Close) is not internally serialized; callers sharing a
// Region across goroutines must provide their own synchronization.
type Region struct {
	name     string
	fd       int
	size     int
	offset   int64
	prot     Prot
	mappable bool
	ownsFd   bool

	data   []byte
	closed bool
}

// New allocates a fresh shared memory region of the given size, readable and
// writable, owned by the returned Region.
func New(size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.Wrapf(result.ErrBadData, "invalid region size %d", size)
	}
	name := "nnrt-" + uuid.NewString()
	fd, err := platformShared(name, size)
	if err != nil {
		return nil, errors.Wrapf(result.ErrOutOfMemory, "allocating %d bytes of shared memory: %v", size, err)
	}
	return &Region{
		name:     name,
		fd:       fd,
		size:     size,
		prot:     ProtRead | ProtWrite,
		mappable: true,
		ownsFd:   true,
	}, nil
}

// FromFd wraps a client-provided file descriptor into a Region of the given
// size, mapping window starting at offset. The fd is duplicated so the caller
// keeps ownership of its own descriptor.
func FromFd(size int, prot Prot, fd int, offset int64) (*Region, error) {
	if size <= 0 || fd < 0 {
		return nil, errors.Wrapf(result.ErrBadData, "invalid size (%d) or fd (%d)", size, fd)
	}
	dupFd, err := platformDup(fd)
	if err != nil {
		return nil, errors.Wrapf(result.ErrUnexpectedNull, "duplicating fd %d: %v", fd, err)
	}
	return &Region{
		name:     "mmap_fd",
		fd:       dupFd,
		size:     size,
		offset:   offset,
		prot:     prot,
		mappable: true,
		ownsFd:   true,
	}, nil
}

// WrapHandle wraps an externally owned buffer handle without duplicating it.
// A non-mappable handle stands for a buffer with no byte-addressable layout;
// any attempt to map it fails with an unmappable error. The caller remains
// responsible for the handle's lifetime.
func WrapHandle(name string, fd, size int, mappable bool) *Region {
	return &Region{
		name:     name,
		fd:       fd,
		size:     size,
		prot:     ProtRead | ProtWrite,
		mappable: mappable,
	}
}

// Name returns the region's debug name.
func (r *Region) Name() string { return r.name }

// Fd returns the region's file descriptor, or -1 when there is none.
func (r *Region) Fd() int { return r.fd }

// Size returns the region's logical size in bytes.
func (r *Region) Size() int { return r.size }

// Mappable reports whether the region can be mapped for byte-level access.
func (r *Region) Mappable() bool { return r.mappable }

// Valid reports whether the region still references a backing store.
func (r *Region) Valid() bool {
	return r != nil && !r.closed && (r.fd >= 0 || r.data != nil)
}

// Map makes the region's bytes accessible. It is idempotent.
func (r *Region) Map() error {
	if r.closed {
		return errors.Wrap(result.ErrUnmappable, "region already closed")
	}
	if r.data != nil {
		return nil
	}
	if !r.mappable || r.size <= 0 {
		return errors.Wrapf(result.ErrUnmappable, "region %q (size=%d) has no byte-addressable layout", r.name, r.size)
	}
	data, err := platformMap(r)
	if err != nil {
		return errors.Wrapf(result.ErrUnmappable, "mapping region %q (size=%d): %v", r.name, r.size, err)
	}
	r.data = data
	return nil
}

// Bytes returns the mapped contents, mapping the region first if needed.
func (r *Region) Bytes() ([]byte, error) {
	if err := r.Map(); err != nil {
		return nil, err
	}
	return r.data, nil
}

// Flush synchronizes the mapped contents with the backing store so other
// mappings of the same region observe the written data. A no-op when the
// region is not currently mapped.
func (r *Region) Flush() error {
	if r.data == nil {
		return nil
	}
	if err := platformFlush(r.data); err != nil {
		return errors.Wrapf(result.ErrOpFailed, "flushing region %q: %v", r.name, err)
	}
	return nil
}

// Close unmaps the region and releases the fd if the Region owns it.
// It is idempotent.
func (r *Region) Close() error {
	if r == nil || r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	if r.data != nil {
		if err := platformUnmap(r.data); err != nil {
			firstErr = errors.Wrapf(result.ErrOpFailed, "unmapping region %q: %v", r.name, err)
		}
		r.data = nil
	}
	if r.ownsFd && r.fd >= 0 {
		if err := platformClose(r.fd); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(result.ErrOpFailed, "closing region %q fd: %v", r.name, err)
		}
	}
	r.fd = -1
	return firstErr
}
