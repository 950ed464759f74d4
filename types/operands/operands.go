// Package operands describes the tensor operands a memory buffer may back.
//
// An Operand is read-only metadata imported from a compiled graph: the element
// type (a dtypes.DType), whether the operand is a tensor or a plain scalar
// value, and the quantization parameters. The memory layer never interprets
// operand values, it only checks operands for metadata compatibility and uses
// them to derive byte sizes.
package operands

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/types/dimensions"
)

// ChannelQuant holds per-channel quantization parameters, used by quantized
// operands whose scale varies along one axis.
type ChannelQuant struct {
	// Scales has one entry per extent of the quantized axis.
	Scales []float32

	// ChannelDim is the axis the scales apply along.
	ChannelDim int
}

// Equal reports whether q and other carry the same parameters.
// Nil receivers are equal to nil only.
func (q *ChannelQuant) Equal(other *ChannelQuant) bool {
	if q == nil || other == nil {
		return q == other
	}
	return q.ChannelDim == other.ChannelDim && slices.Equal(q.Scales, other.Scales)
}

// Operand describes one I/O slot of a compiled graph.
type Operand struct {
	// DType is the element type.
	DType dtypes.DType

	// Tensor distinguishes tensor operands (with axes) from plain scalar values.
	// Only tensor operands may carry dimension constraints.
	Tensor bool

	// Scale and ZeroPoint are the per-operand quantization parameters;
	// both are zero for non-quantized operands.
	Scale     float32
	ZeroPoint int32

	// ChannelQuant is set only for per-channel quantized operands.
	ChannelQuant *ChannelQuant

	// Dimensions is the operand's declared shape, possibly partial.
	// It is excluded from CompatibleWith.
	Dimensions dimensions.Dimensions
}

// CompatibleWith reports metadata compatibility: element type, scale,
// zero point and extra quantization parameters must match exactly.
// Dimensions are deliberately not part of the comparison; they are reconciled
// separately with dimensions.Combine.
func (o Operand) CompatibleWith(other Operand) bool {
	return o.DType == other.DType &&
		o.Tensor == other.Tensor &&
		o.Scale == other.Scale &&
		o.ZeroPoint == other.ZeroPoint &&
		o.ChannelQuant.Equal(other.ChannelQuant)
}

// SizeOf returns the number of bytes needed to store the operand with the
// given dimensions: the element size for scalar operands, otherwise element
// size times the product of extents. It returns 0 when dims is not fully
// specified, meaning the size cannot be derived yet.
func (o Operand) SizeOf(dims dimensions.Dimensions) int {
	elemSize := int(o.DType.Memory())
	if !o.Tensor {
		return elemSize
	}
	return elemSize * dims.NumElements()
}

// String implements fmt.Stringer.
func (o Operand) String() string {
	kind := "scalar"
	if o.Tensor {
		kind = fmt.Sprintf("tensor%s", o.Dimensions)
	}
	if o.Scale != 0 || o.ZeroPoint != 0 {
		return fmt.Sprintf("%s %s (scale=%g, zeroPoint=%d)", o.DType, kind, o.Scale, o.ZeroPoint)
	}
	return fmt.Sprintf("%s %s", o.DType, kind)
}
