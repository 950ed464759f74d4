package memory

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/result"
	"github.com/gomlx/nnrt/types/dimensions"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeModel and fakeCompilation are the minimal collaborators the memory layer
// consumes from the graph/compilation layer.
type fakeModel struct {
	device backends.Device
}

func (m *fakeModel) Device() backends.Device { return m.device }

type fakeCompilation struct {
	model   *fakeModel
	inputs  []operands.Operand
	outputs []operands.Operand
}

func (c *fakeCompilation) Operand(ioType backends.IOType, slotIndex int) (operands.Operand, error) {
	slots := c.inputs
	if ioType == backends.Output {
		slots = c.outputs
	}
	if slotIndex < 0 || slotIndex >= len(slots) {
		return operands.Operand{}, errors.Errorf("%s slot %d out of range", ioType, slotIndex)
	}
	return slots[slotIndex], nil
}

func (c *fakeCompilation) ForEachStepRole(ioType backends.IOType, slotIndex int,
	fn backends.StepRoleFunc) error {
	fn(c.model, ioType, slotIndex)
	return nil
}

func float32Tensor(dims ...int) operands.Operand {
	return operands.Operand{
		DType:      dtypes.Float32,
		Tensor:     true,
		Dimensions: dimensions.Dimensions(dims),
	}
}

func TestSizedValidator(t *testing.T) {
	v := newSizedValidator(16)

	require.False(t, v.IsInitialized())
	v.SetInitialized(true)
	require.True(t, v.IsInitialized())

	require.NoError(t, v.Validate(nil, backends.Input, 0, nil, 0, 16))
	require.NoError(t, v.Validate(nil, backends.Input, 0, nil, 8, 8))

	// Window past the end.
	require.ErrorIs(t, v.Validate(nil, backends.Input, 0, nil, 16, 1), result.ErrBadData)
	require.ErrorIs(t, v.Validate(nil, backends.Input, 0, nil, 8, 9), result.ErrBadData)

	// The implicit whole-buffer shorthand is rejected for this variant.
	require.ErrorIs(t, v.Validate(nil, backends.Input, 0, nil, 0, 0), result.ErrBadData)

	require.Equal(t, Metadata{LogicalSize: 16}, v.Metadata())

	require.NoError(t, v.UpdateMetadata(Metadata{}))
	require.NoError(t, v.UpdateMetadata(Metadata{LogicalSize: 16}))
	require.ErrorIs(t, v.UpdateMetadata(Metadata{LogicalSize: 15}), result.ErrBadData)
}

func TestNonBlobValidator(t *testing.T) {
	v := newNonBlobValidator()
	compilation := &fakeCompilation{}

	// No execution context means the buffer would serve as a model constant.
	require.ErrorIs(t, v.Validate(nil, backends.Input, 0, nil, 0, 0), result.ErrBadData)

	require.NoError(t, v.Validate(compilation, backends.Input, 0, nil, 0, 0))
	require.NoError(t, v.Validate(compilation, backends.Output, 3, nil, 0, 0))

	// Partial views are forbidden.
	require.ErrorIs(t, v.Validate(compilation, backends.Input, 0, nil, 4, 0), result.ErrBadData)
	require.ErrorIs(t, v.Validate(compilation, backends.Input, 0, nil, 0, 4), result.ErrBadData)

	require.Equal(t, Metadata{}, v.Metadata())
	require.NoError(t, v.UpdateMetadata(Metadata{LogicalSize: 123, Dimensions: dimensions.Dimensions{7}}))
}

func TestDeviceValidatorRoles(t *testing.T) {
	compilation := &fakeCompilation{}
	other := &fakeCompilation{}
	roles := map[roleKey]struct{}{
		{compilation, backends.Input, 0}:  {},
		{compilation, backends.Output, 1}: {},
	}
	v := newDeviceValidator(roles, float32Tensor(2, 3), dimensions.Dimensions{2, 3})

	require.NoError(t, v.Validate(compilation, backends.Input, 0, nil, 0, 0))
	require.NoError(t, v.Validate(compilation, backends.Output, 1, nil, 0, 0))

	// Roles outside the registered set fail even with zero offset/length.
	require.ErrorIs(t, v.Validate(compilation, backends.Output, 0, nil, 0, 0), result.ErrBadData)
	require.ErrorIs(t, v.Validate(compilation, backends.Input, 1, nil, 0, 0), result.ErrBadData)
	require.ErrorIs(t, v.Validate(other, backends.Input, 0, nil, 0, 0), result.ErrBadData)

	// Partial views are forbidden for device-allocated memory.
	require.ErrorIs(t, v.Validate(compilation, backends.Input, 0, nil, 0, 24), result.ErrBadData)
}

func TestDeviceValidatorRequestedType(t *testing.T) {
	compilation := &fakeCompilation{}
	roles := map[roleKey]struct{}{{compilation, backends.Input, 0}: {}}
	v := newDeviceValidator(roles, float32Tensor(2, 0), dimensions.Dimensions{2, 0})

	matching := float32Tensor(2, 3)
	require.NoError(t, v.Validate(compilation, backends.Input, 0, &matching, 0, 0))

	conflicting := float32Tensor(3, 3)
	require.ErrorIs(t, v.Validate(compilation, backends.Input, 0, &conflicting, 0, 0), result.ErrBadData)
}

func TestDeviceValidatorScalar(t *testing.T) {
	compilation := &fakeCompilation{}
	roles := map[roleKey]struct{}{{compilation, backends.Input, 0}: {}}
	scalar := operands.Operand{DType: dtypes.Float32}
	v := newDeviceValidator(roles, scalar, nil)

	noDims := operands.Operand{DType: dtypes.Float32}
	require.NoError(t, v.Validate(compilation, backends.Input, 0, &noDims, 0, 0))

	withDims := float32Tensor(2)
	require.ErrorIs(t, v.Validate(compilation, backends.Input, 0, &withDims, 0, 0), result.ErrBadData)

	require.ErrorIs(t, v.UpdateMetadata(Metadata{Dimensions: dimensions.Dimensions{2}}), result.ErrBadData)
	require.NoError(t, v.UpdateMetadata(Metadata{LogicalSize: 4}))
}

func TestDeviceValidatorUpdateMetadata(t *testing.T) {
	compilation := &fakeCompilation{}
	roles := map[roleKey]struct{}{{compilation, backends.Output, 0}: {}}
	operand := float32Tensor(2, 0)
	v := newDeviceValidator(roles, operand, dimensions.Dimensions{2, 0})

	// Refine the shape: the merged dimensions become the data-carrying shape.
	require.NoError(t, v.UpdateMetadata(Metadata{Dimensions: dimensions.Dimensions{2, 3}}))
	v.SetInitialized(true)
	metadata := v.Metadata()
	require.Equal(t, dimensions.Dimensions{2, 3}, metadata.Dimensions)
	require.Equal(t, 4*2*3, metadata.LogicalSize)
	require.NotNil(t, metadata.Operand)
	require.True(t, metadata.Operand.CompatibleWith(operand))

	// Incompatible refinements are rejected without touching the shape.
	require.ErrorIs(t, v.UpdateMetadata(Metadata{Dimensions: dimensions.Dimensions{3, 3}}), result.ErrBadData)
	require.Equal(t, dimensions.Dimensions{2, 3}, v.Metadata().Dimensions)

	// A size must agree with the size implied by the merged dimensions.
	require.ErrorIs(t, v.UpdateMetadata(
		Metadata{LogicalSize: 100, Dimensions: dimensions.Dimensions{2, 3}}), result.ErrBadData)
	require.NoError(t, v.UpdateMetadata(
		Metadata{LogicalSize: 24, Dimensions: dimensions.Dimensions{2, 3}}))

	// A mismatching operand template is rejected.
	quantized := operands.Operand{DType: dtypes.Uint8, Tensor: true, Scale: 0.5}
	require.ErrorIs(t, v.UpdateMetadata(Metadata{Operand: &quantized}), result.ErrBadData)
}

func TestDeviceValidatorInputDimensions(t *testing.T) {
	compilation := &fakeCompilation{}
	roles := map[roleKey]struct{}{{compilation, backends.Input, 0}: {}}
	v := newDeviceValidator(roles, float32Tensor(2, 3), dimensions.Dimensions{2, 3})

	// Reading an uninitialized memory as input is forbidden.
	require.ErrorIs(t, v.ValidateInputDimensions(dimensions.Dimensions{2, 3}), result.ErrBadData)

	v.SetInitialized(true)
	require.NoError(t, v.ValidateInputDimensions(dimensions.Dimensions{2, 3}))
	require.ErrorIs(t, v.ValidateInputDimensions(dimensions.Dimensions{2, 4}), result.ErrBadData)
	require.ErrorIs(t, v.ValidateInputDimensions(nil), result.ErrBadData)
}

func TestDeviceValidatorMetadataRequiresInitialized(t *testing.T) {
	compilation := &fakeCompilation{}
	roles := map[roleKey]struct{}{{compilation, backends.Input, 0}: {}}
	v := newDeviceValidator(roles, float32Tensor(2, 3), dimensions.Dimensions{2, 3})
	require.Panics(t, func() { v.Metadata() })
}
