package memory

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/result"
	"github.com/gomlx/nnrt/types/dimensions"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Builder accumulates the intended roles and shape constraints of a
// not-yet-allocated memory, then freezes into a descriptor from which
// role-constrained device memory can be allocated.
//
// The zero lifecycle is: any number of AddInputRole/AddOutputRole/SetDimensions
// calls, one Finish, then any number of Allocate calls. Finish is terminal:
// no role or dimension changes are permitted afterwards.
//
// A Builder does not own the compilations it references; they must outlive it.
// Memory allocated from the Builder captures the operand template at
// Allocate time and does not keep the compilations alive.
type Builder struct {
	desc     backends.Descriptor
	roles    map[roleKey]struct{}
	operand  *operands.Operand
	finished bool

	// allocator is the device shared by every referenced step, or nil when the
	// steps span multiple devices (allocation then falls back to host memory).
	allocator backends.Device
}

// NewBuilder returns an empty, mutable Builder.
func NewBuilder() *Builder {
	return &Builder{roles: make(map[roleKey]struct{})}
}

// AddInputRole declares that the memory will serve input slot slotIndex of
// compilation, with the given usage frequency in (0.0, 1.0].
func (b *Builder) AddInputRole(compilation backends.Compilation, slotIndex int, frequency float32) error {
	return b.addRole(compilation, backends.Input, slotIndex, frequency)
}

// AddOutputRole declares that the memory will serve output slot slotIndex of
// compilation, with the given usage frequency in (0.0, 1.0].
func (b *Builder) AddOutputRole(compilation backends.Compilation, slotIndex int, frequency float32) error {
	return b.addRole(compilation, backends.Output, slotIndex, frequency)
}

type stepRole struct {
	model     backends.PreparedModel
	ioType    backends.IOType
	slotIndex int
}

func (b *Builder) addRole(compilation backends.Compilation, ioType backends.IOType,
	slotIndex int, frequency float32) error {
	if b.finished {
		return errors.Wrapf(result.ErrBadState, "cannot add %s role after Finish", ioType)
	}
	key := roleKey{compilation, ioType, slotIndex}
	if _, ok := b.roles[key]; ok {
		return errors.Wrapf(result.ErrBadData,
			"the same (%s, slot %d) role is specified twice", ioType, slotIndex)
	}

	// A compilation may be a pipeline: collect every constituent step touching
	// this slot before committing anything.
	var steps []stepRole
	err := compilation.ForEachStepRole(ioType, slotIndex, func(model backends.PreparedModel,
		stepIO backends.IOType, stepSlot int) {
		steps = append(steps, stepRole{model, stepIO, stepSlot})
	})
	if err != nil {
		return errors.Wrapf(result.ErrBadData,
			"enumerating step roles for (%s, slot %d): %v", ioType, slotIndex, err)
	}

	operand, err := compilation.Operand(ioType, slotIndex)
	if err != nil {
		return errors.Wrapf(result.ErrBadData,
			"%s slot %d has no operand: %v", ioType, slotIndex, err)
	}
	if b.operand != nil && !operand.CompatibleWith(*b.operand) {
		return errors.Wrapf(result.ErrBadData,
			"incompatible operand metadata (role: %s, descriptor: %s)", operand, b.operand)
	}
	if !operand.Tensor && len(b.desc.Dimensions) > 0 {
		return errors.Wrapf(result.ErrBadData,
			"dimensions %s already set for a scalar operand", b.desc.Dimensions)
	}
	combined, err := dimensions.Combine(b.desc.Dimensions, operand.Dimensions)
	if err != nil {
		return errors.Wrapf(result.ErrBadData,
			"incompatible dimensions (role: %s, descriptor: %s)", operand.Dimensions, b.desc.Dimensions)
	}
	if frequency <= 0 || frequency > 1 {
		return errors.Wrapf(result.ErrBadData, "invalid frequency %g", frequency)
	}

	// All checks passed; commit.
	b.roles[key] = struct{}{}
	for _, step := range steps {
		role := backends.BufferRole{
			ModelIndex: b.addPreparedModel(step.model),
			SlotIndex:  step.slotIndex,
			Frequency:  frequency,
		}
		if step.ioType == backends.Input {
			b.desc.InputRoles = append(b.desc.InputRoles, role)
		} else {
			b.desc.OutputRoles = append(b.desc.OutputRoles, role)
		}
	}
	b.operand = &operand
	b.desc.Operand = operand
	b.desc.Dimensions = combined
	return nil
}

// addPreparedModel returns the index of model in the descriptor's deduplicated
// step list, appending it if new.
func (b *Builder) addPreparedModel(model backends.PreparedModel) int {
	for i, existing := range b.desc.PreparedModels {
		if existing == model {
			return i
		}
	}
	b.desc.PreparedModels = append(b.desc.PreparedModels, model)
	return len(b.desc.PreparedModels) - 1
}

// SetDimensions adds an explicit dimension constraint, merged with any
// constraints accumulated so far.
func (b *Builder) SetDimensions(dims dimensions.Dimensions) error {
	if b.finished {
		return errors.Wrap(result.ErrBadState, "cannot set dimensions after Finish")
	}
	if b.operand != nil && !b.operand.Tensor && len(dims) > 0 {
		return errors.Wrap(result.ErrBadData, "dimensions specified for a scalar operand")
	}
	combined, err := dimensions.Combine(b.desc.Dimensions, dims)
	if err != nil {
		return errors.Wrapf(result.ErrBadData,
			"incompatible dimensions (requested: %s, descriptor: %s)", dims, b.desc.Dimensions)
	}
	b.desc.Dimensions = combined
	return nil
}

// Finish freezes the Builder. At least one role must have been added. Freezing
// also selects the allocating device: the single device shared by every
// referenced step, or none, in which case Allocate falls back to host memory.
func (b *Builder) Finish() error {
	if b.finished {
		return errors.Wrap(result.ErrBadState, "descriptor already finished")
	}
	if len(b.roles) == 0 {
		return errors.Wrap(result.ErrBadData, "no role has been specified")
	}
	if b.operand == nil {
		exceptions.Panicf("memory.Builder: roles registered but no operand template recorded")
	}
	if klog.V(1).Enabled() {
		b.logDescriptor()
	}
	b.allocator = selectAllocator(&b.desc)
	b.finished = true
	return nil
}

// selectAllocator returns the device common to every referenced step, or nil
// if the steps span multiple devices.
func selectAllocator(desc *backends.Descriptor) backends.Device {
	var allocator backends.Device
	for _, model := range desc.PreparedModels {
		device := model.Device()
		if allocator == nil {
			allocator = device
		} else if allocator != device {
			klog.V(2).Info("memory.Builder: steps span multiple devices, no allocator selected")
			return nil
		}
	}
	if allocator != nil {
		klog.V(2).Infof("memory.Builder: using %q as allocator", allocator.Name())
	}
	return allocator
}

func (b *Builder) logDescriptor() {
	klog.Infof("memory descriptor: operand=%s dimensions=%s", b.operand, b.desc.Dimensions)
	klog.Infof("    steps [%d]:", len(b.desc.PreparedModels))
	for _, model := range b.desc.PreparedModels {
		klog.Infof("        device = %s", model.Device().Name())
	}
	klog.Infof("    input roles [%d]:", len(b.desc.InputRoles))
	for _, role := range b.desc.InputRoles {
		klog.Infof("        step=%d slot=%d frequency=%g", role.ModelIndex, role.SlotIndex, role.Frequency)
	}
	klog.Infof("    output roles [%d]:", len(b.desc.OutputRoles))
	for _, role := range b.desc.OutputRoles {
		klog.Infof("        step=%d slot=%d frequency=%g", role.ModelIndex, role.SlotIndex, role.Frequency)
	}
}

// Allocate creates a new Memory satisfying the frozen descriptor: it tries the
// selected device first and falls back to host shared memory when there is no
// allocator or the device allocation fails. The returned Memory carries a
// device validator restricted to the registered roles.
//
// Allocate may be called multiple times; each call yields an independent
// Memory.
func (b *Builder) Allocate() (*Memory, error) {
	if !b.finished {
		return nil, errors.Wrap(result.ErrBadState, "descriptor not finished")
	}
	size := b.operand.SizeOf(b.desc.Dimensions)
	if size == 0 {
		return nil, errors.Wrapf(result.ErrOpFailed,
			"cannot allocate with unresolved dimensions %s", b.desc.Dimensions)
	}

	var mem *Memory
	if b.allocator != nil {
		buffer, token, err := b.allocator.Allocate(&b.desc)
		if err == nil {
			mem, err = FromDeviceBuffer(buffer, token)
		}
		if err != nil {
			klog.V(1).Infof("memory.Builder: device %q allocation failed (%v), falling back to host memory",
				b.allocator.Name(), err)
			mem = nil
		}
	}
	if mem == nil {
		// TODO: decide on the fallback strategy; for now always fall back to
		// host shared memory.
		klog.V(2).Infof("memory.Builder: allocating %s of host shared memory", humanize.Bytes(uint64(size)))
		var err error
		mem, err = NewShared(size)
		if err != nil {
			return nil, err
		}
	}
	mem.setValidator(newDeviceValidator(b.roles, *b.operand, b.desc.Dimensions))
	return mem, nil
}
