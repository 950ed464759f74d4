package memory

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/result"
	"github.com/gomlx/nnrt/types/dimensions"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/pkg/errors"
)

// Metadata is the {size, dimensions, operand} snapshot exchanged between
// memories during copies and validation.
type Metadata struct {
	// LogicalSize in bytes; 0 means unspecified.
	LogicalSize int

	// Dimensions of the data the memory currently carries; may be partial.
	Dimensions dimensions.Dimensions

	// Operand template, if the memory is bound to one.
	Operand *operands.Operand
}

// Validator is the per-memory policy enforcing usage-role, shape and
// initialization rules. Exactly one Validator is attached to every Memory.
//
// Validator state is not internally serialized: concurrent calls into the
// mutating methods (UpdateMetadata, SetInitialized) of the same Validator must
// be serialized by the caller.
type Validator interface {
	// Validate reports whether the proposed use of the memory is permitted:
	// compilation identifies the graph (nil when the memory would serve as a
	// model constant), ioType/slotIndex the role slot, requested an optional
	// operand type override from the caller, and offset/length the byte window.
	// It is read-only.
	Validate(compilation backends.Compilation, ioType backends.IOType, slotIndex int,
		requested *operands.Operand, offset, length int) error

	// ValidateInputDimensions checks dims against the currently recorded
	// data-carrying shape. It is called at the start of every execution that
	// reads the memory as an input, after the memory was initialized.
	ValidateInputDimensions(dims dimensions.Dimensions) error

	// Metadata returns a snapshot of the current size/shape/operand info.
	Metadata() Metadata

	// UpdateMetadata merges the incoming metadata into the current state,
	// failing without side effects if it is incompatible. On success the merged
	// dimensions become the new data-carrying shape.
	UpdateMetadata(m Metadata) error

	// SetInitialized marks whether the memory's contents are defined and safe
	// to read.
	SetInitialized(initialized bool)

	// IsInitialized reports whether the memory's contents are defined.
	IsInitialized() bool
}

// initState is the initialized flag shared by all validator variants.
type initState struct {
	initialized bool
}

func (s *initState) SetInitialized(initialized bool) { s.initialized = initialized }
func (s *initState) IsInitialized() bool             { return s.initialized }

// sizedValidator covers client-managed single-dimensional pools with a known
// size: request inputs, request outputs, or model constants.
type sizedValidator struct {
	initState
	size int
}

func newSizedValidator(size int) *sizedValidator {
	return &sizedValidator{size: size}
}

func (v *sizedValidator) Validate(_ backends.Compilation, _ backends.IOType, _ int,
	_ *operands.Operand, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > v.size {
		return errors.Wrapf(result.ErrBadData,
			"request window [%d, %d) larger than the memory size %d", offset, offset+length, v.size)
	}
	if offset == 0 && length == 0 {
		return errors.Wrap(result.ErrBadData, "memory size cannot be implied")
	}
	return nil
}

func (v *sizedValidator) ValidateInputDimensions(dimensions.Dimensions) error { return nil }

func (v *sizedValidator) Metadata() Metadata {
	return Metadata{LogicalSize: v.size}
}

func (v *sizedValidator) UpdateMetadata(m Metadata) error {
	if m.LogicalSize != 0 && m.LogicalSize != v.size {
		return errors.Wrapf(result.ErrBadData,
			"incoming size %d does not match the memory size %d", m.LogicalSize, v.size)
	}
	return nil
}

// nonBlobValidator covers hardware buffers without a byte-addressable layout.
// Such memory may only serve request inputs and outputs, whole-buffer.
type nonBlobValidator struct {
	initState
}

func newNonBlobValidator() *nonBlobValidator {
	return &nonBlobValidator{}
}

func (v *nonBlobValidator) Validate(compilation backends.Compilation, _ backends.IOType, _ int,
	_ *operands.Operand, offset, length int) error {
	if compilation == nil {
		return errors.Wrap(result.ErrBadData,
			"cannot use a non-BLOB hardware buffer as a model constant")
	}
	if offset != 0 || length != 0 {
		return errors.Wrapf(result.ErrBadData,
			"non-zero offset (%d) and/or length (%d) for a non-BLOB hardware buffer", offset, length)
	}
	return nil
}

func (v *nonBlobValidator) ValidateInputDimensions(dimensions.Dimensions) error { return nil }

func (v *nonBlobValidator) Metadata() Metadata { return Metadata{} }

func (v *nonBlobValidator) UpdateMetadata(Metadata) error { return nil }

// roleKey identifies one promise to use a memory in one role slot of one
// compilation.
type roleKey struct {
	compilation backends.Compilation
	ioType      backends.IOType
	slotIndex   int
}

// deviceValidator covers descriptor-born memory: it may only be used in one of
// the roles fixed at allocation time, whole-buffer, and it refines its
// data-carrying shape as executions and copies write to it.
type deviceValidator struct {
	initState

	roles   map[roleKey]struct{}
	operand operands.Operand

	// initialDims is the merged shape at allocation time; requests are checked
	// against it. updatedDims is the refined shape after successful writes;
	// inputs are checked against it in ValidateInputDimensions.
	initialDims dimensions.Dimensions
	updatedDims dimensions.Dimensions
}

func newDeviceValidator(roles map[roleKey]struct{}, operand operands.Operand,
	dims dimensions.Dimensions) *deviceValidator {
	return &deviceValidator{
		roles:       maps.Clone(roles),
		operand:     operand,
		initialDims: dims.Clone(),
		updatedDims: dims.Clone(),
	}
}

func (v *deviceValidator) Validate(compilation backends.Compilation, ioType backends.IOType,
	slotIndex int, requested *operands.Operand, offset, length int) error {
	if _, ok := v.roles[roleKey{compilation, ioType, slotIndex}]; !ok {
		return errors.Wrapf(result.ErrBadData,
			"memory not registered for role (%s, slot %d)", ioType, slotIndex)
	}
	if offset != 0 || length != 0 {
		return errors.Wrapf(result.ErrBadData,
			"non-zero offset (%d) and/or length (%d) for device-allocated memory", offset, length)
	}
	if requested != nil {
		if !v.operand.Tensor && len(requested.Dimensions) > 0 {
			return errors.Wrap(result.ErrBadData, "invalid dimensions for scalar memory")
		}
		// Only the allocation-time dimensions are checked here. For inputs the
		// refined shape is checked in ValidateInputDimensions at the beginning
		// of a computation.
		if _, err := dimensions.Combine(requested.Dimensions, v.initialDims); err != nil {
			return errors.Wrapf(result.ErrBadData,
				"incompatible dimensions between request and memory (request: %s, memory: %s)",
				requested.Dimensions, v.initialDims)
		}
	}
	return nil
}

func (v *deviceValidator) ValidateInputDimensions(dims dimensions.Dimensions) error {
	if !v.initialized {
		return errors.Wrap(result.ErrBadData, "using an uninitialized memory as input")
	}
	if !slices.Equal(dims, v.updatedDims) {
		return errors.Wrapf(result.ErrBadData,
			"incompatible input dimensions between request and memory (request: %s, memory: %s)",
			dims, v.updatedDims)
	}
	return nil
}

func (v *deviceValidator) Metadata() Metadata {
	if !v.initialized {
		exceptions.Panicf("memory.Validator: Metadata called on an uninitialized device memory")
	}
	operand := v.operand
	return Metadata{
		LogicalSize: v.operand.SizeOf(v.updatedDims),
		Dimensions:  v.updatedDims.Clone(),
		Operand:     &operand,
	}
}

func (v *deviceValidator) UpdateMetadata(m Metadata) error {
	if m.Operand != nil && !m.Operand.CompatibleWith(v.operand) {
		return errors.Wrapf(result.ErrBadData,
			"incompatible operand metadata (incoming: %s, memory: %s)", m.Operand, v.operand)
	}
	if len(m.Dimensions) > 0 && !v.operand.Tensor {
		return errors.Wrap(result.ErrBadData, "dimensions specified for scalar memory")
	}
	combined, err := dimensions.Combine(m.Dimensions, v.initialDims)
	if err != nil {
		return errors.Wrapf(result.ErrBadData,
			"incompatible dimensions (incoming: %s, memory: %s)", m.Dimensions, v.initialDims)
	}
	if m.LogicalSize != 0 {
		if expected := v.operand.SizeOf(combined); m.LogicalSize != expected {
			return errors.Wrapf(result.ErrBadData,
				"incoming size %d does not match the %d bytes implied by %s %s",
				m.LogicalSize, expected, v.operand, combined)
		}
	}
	v.updatedDims = combined
	return nil
}
