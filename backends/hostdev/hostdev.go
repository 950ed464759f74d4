// Package hostdev implements a pure-Go backends.Device whose buffers live in
// ordinary host memory.
//
// It honors the full Device and Buffer contracts, so it doubles as the
// reference implementation for driver authors and as the accelerator used by
// the memory-layer tests: allocation sizing, token bookkeeping and the
// host<->device copy primitives all behave like a real driver, just without
// the hardware.
package hostdev

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/hostmem"
	"github.com/gomlx/nnrt/result"
	"github.com/gomlx/nnrt/types/dimensions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is an in-process accelerator backed by plain host memory.
type Device struct {
	name      string
	nextToken atomic.Uint32
}

var _ backends.Device = (*Device)(nil)

// New returns a Device with the given name.
func New(name string) *Device {
	return &Device{name: name}
}

// Name implements backends.Device.
func (d *Device) Name() string { return d.name }

// Allocate implements backends.Device: it sizes the buffer from the
// descriptor's operand template and merged dimensions.
func (d *Device) Allocate(desc *backends.Descriptor) (backends.Buffer, uint32, error) {
	size := desc.Operand.SizeOf(desc.Dimensions)
	if size == 0 {
		return nil, 0, errors.Wrapf(result.ErrBadData,
			"device %q cannot allocate %s with unresolved dimensions %s",
			d.name, desc.Operand, desc.Dimensions)
	}
	token := d.nextToken.Add(1)
	klog.V(2).Infof("hostdev %q: allocated %d bytes (token=%d) for %s %s",
		d.name, size, token, desc.Operand, desc.Dimensions)
	return &Buffer{
		data: make([]byte, size),
		dims: desc.Dimensions.Clone(),
	}, token, nil
}

// Buffer is a host-memory backed implementation of backends.Buffer.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	dims dimensions.Dimensions
}

var _ backends.Buffer = (*Buffer)(nil)

// CopyTo implements backends.Buffer.
func (b *Buffer) CopyTo(dst *hostmem.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dst.Size() != len(b.data) {
		return errors.Errorf("destination region size %d does not match buffer size %d",
			dst.Size(), len(b.data))
	}
	raw, err := dst.Bytes()
	if err != nil {
		return err
	}
	copy(raw, b.data)
	return dst.Flush()
}

// CopyFrom implements backends.Buffer. The incoming dims describe the data
// being written and become the buffer's current shape.
func (b *Buffer) CopyFrom(src *hostmem.Region, dims dimensions.Dimensions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if src.Size() != len(b.data) {
		return errors.Errorf("source region size %d does not match buffer size %d",
			src.Size(), len(b.data))
	}
	raw, err := src.Bytes()
	if err != nil {
		return err
	}
	copy(b.data, raw)
	b.dims = dims.Clone()
	return nil
}

// Bytes returns a copy of the buffer's current contents.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Dimensions returns the shape recorded by the last CopyFrom, or the
// allocation-time dimensions if the buffer was never written.
func (b *Buffer) Dimensions() dimensions.Dimensions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dims.Clone()
}
