// Package memory implements the runtime memory objects of nnrt: shareable
// buffers flowing between client applications, compiled graphs and
// accelerators.
//
// A Memory owns exactly one backing store, either a host-mappable region
// (hostmem.Region) or an opaque device buffer identified by a driver token.
// Every Memory carries a Validator that enforces its usage-role, shape and
// initialization rules; Copy moves data between memories across all backing
// combinations; Builder accumulates roles and shape constraints and allocates
// role-constrained device memory.
//
// Unless stated otherwise, operations on the same Memory, Validator or Builder
// are not internally serialized and require single-writer discipline from the
// caller. The burst registry (UsedBy/Finalize) is the exception: it is guarded
// by a mutex.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/hostmem"
	"github.com/gomlx/nnrt/result"
	"github.com/pkg/errors"
)

// Key is the stable opaque identity of a Memory, used by burst executors to
// tag cached device-side representations of the buffer. Keys never collide
// across live memories and never change for a memory's lifetime.
type Key uint64

var nextKey atomic.Uint64

// Burst is an accelerator-side cache of resolved buffer representations. The
// memory layer only ever tells a burst to drop a cache entry; registrations
// are back-references and never extend the Memory's lifetime semantics.
type Burst interface {
	// Evict drops the cache entry for the given memory key. Evicting an
	// already-absent key is a no-op.
	Evict(key Key)
}

// Memory is one shareable buffer with its attached usage Validator.
type Memory struct {
	region *hostmem.Region
	buffer backends.Buffer
	token  uint32

	validator      Validator
	validatorSwaps int

	key Key

	mu     sync.Mutex
	usedBy map[Burst]struct{}
}

func newMemory(region *hostmem.Region, buffer backends.Buffer, token uint32, validator Validator) *Memory {
	return &Memory{
		region:    region,
		buffer:    buffer,
		token:     token,
		validator: validator,
		key:       Key(nextKey.Add(1)),
	}
}

// FromRegion wraps a sized host-mappable region into a Memory with a sized
// validator covering the region's full extent. The Memory takes ownership of
// the region.
func FromRegion(region *hostmem.Region) (*Memory, error) {
	if !region.Valid() {
		return nil, errors.Wrap(result.ErrBadData, "invalid region for memory")
	}
	return newMemory(region, nil, 0, newSizedValidator(region.Size())), nil
}

// FromFd wraps a client file descriptor into a Memory of the given size. The
// fd is duplicated, so the caller keeps ownership of its own descriptor.
func FromFd(size int, prot hostmem.Prot, fd int, offset int64) (*Memory, error) {
	region, err := hostmem.FromFd(size, prot, fd, offset)
	if err != nil {
		return nil, err
	}
	return FromRegion(region)
}

// NewShared allocates a fresh host shared-memory region of the given size,
// mapped eagerly, and wraps it into a Memory with a sized validator.
func NewShared(size int) (*Memory, error) {
	region, err := hostmem.New(size)
	if err != nil {
		return nil, err
	}
	if err := region.Map(); err != nil {
		_ = region.Close()
		return nil, errors.Wrapf(result.ErrOutOfMemory, "mapping %d bytes of shared memory: %v", size, err)
	}
	return FromRegion(region)
}

// FromHardwareBuffer wraps an externally supplied hardware buffer handle.
// BLOB-format buffers are byte-addressable and get a sized validator; any
// other format gets the non-blob validator, which restricts the memory to
// whole-buffer request I/O. The handle stays owned by the caller.
func FromHardwareBuffer(name string, fd, size int, blobFormat bool) (*Memory, error) {
	if blobFormat {
		region := hostmem.WrapHandle(name, fd, size, true)
		return newMemory(region, nil, 0, newSizedValidator(size)), nil
	}
	// The size of a non-BLOB buffer is meaningless for byte access.
	region := hostmem.WrapHandle(name, fd, 0, false)
	return newMemory(region, nil, 0, newNonBlobValidator()), nil
}

// FromDeviceBuffer wraps an opaque accelerator buffer and its driver token.
// No validator is attached yet; the allocator attaches a device validator
// after a successful allocation.
func FromDeviceBuffer(buffer backends.Buffer, token uint32) (*Memory, error) {
	if buffer == nil {
		return nil, errors.Wrap(result.ErrBadData, "nil device buffer for memory")
	}
	if token == 0 {
		return nil, errors.Wrap(result.ErrBadData, "invalid token 0 for device memory")
	}
	return newMemory(nil, buffer, token, nil), nil
}

// setValidator attaches or replaces the Memory's validator. It may be called
// at most once per Memory, before the Memory is first used for validation.
func (m *Memory) setValidator(v Validator) {
	if m.validatorSwaps > 0 {
		exceptions.Panicf("memory.Memory: validator already replaced once")
	}
	m.validatorSwaps++
	m.validator = v
}

// Validator returns the Memory's validator. It panics if no validator was
// attached, which only happens for a device-buffer Memory that skipped the
// allocation path.
func (m *Memory) Validator() Validator {
	if m.validator == nil {
		exceptions.Panicf("memory.Memory: no validator attached")
	}
	return m.validator
}

// Key returns the Memory's stable identity.
func (m *Memory) Key() Key { return m.key }

// Region returns the host-mappable backing region, or nil for device-buffer
// backed memory.
func (m *Memory) Region() *hostmem.Region { return m.region }

// DeviceBuffer returns the opaque device buffer and its token, or (nil, 0)
// for host-backed memory.
func (m *Memory) DeviceBuffer() (backends.Buffer, uint32) { return m.buffer, m.token }

// Pool is the transport-neutral locator of a Memory's backing store, as
// embedded in execution requests. Exactly one of the two forms is set.
type Pool struct {
	// Token references a driver-held buffer when > 0.
	Token uint32

	// Region is the host-mappable backing store when Token == 0.
	Region *hostmem.Region
}

// Pool returns the locator for the Memory's backing store.
func (m *Memory) Pool() Pool {
	if m.token > 0 {
		return Pool{Token: m.token}
	}
	return Pool{Region: m.region}
}

// UsedBy registers a burst executor that cached a device-side representation
// of this Memory under its Key. Safe for concurrent use. Duplicate
// registrations are harmless: eviction of an absent key is a no-op.
func (m *Memory) UsedBy(burst Burst) {
	if burst == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usedBy == nil {
		m.usedBy = make(map[Burst]struct{})
	}
	m.usedBy[burst] = struct{}{}
}

// Finalize releases the Memory: every registered burst executor is told to
// evict its cache entry for this Memory's key, and the backing region, if
// owned, is closed. The Memory must not be used afterwards.
func (m *Memory) Finalize() {
	m.mu.Lock()
	bursts := make([]Burst, 0, len(m.usedBy))
	for burst := range m.usedBy {
		bursts = append(bursts, burst)
	}
	m.usedBy = nil
	m.mu.Unlock()

	for _, burst := range bursts {
		burst.Evict(m.key)
	}
	if m.region != nil {
		_ = m.region.Close()
		m.region = nil
	}
	m.buffer = nil
}
