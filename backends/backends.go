// Package backends defines the contracts the nnrt memory layer consumes from
// accelerator implementations: devices that allocate memory, compiled graphs
// that expose their I/O operands, and opaque device-side buffers.
//
// The memory layer never talks to hardware directly. Everything below is an
// injected collaborator; backends/hostdev provides a pure-Go reference
// implementation used in tests and as a template for real drivers.
package backends

import (
	"github.com/gomlx/nnrt/hostmem"
	"github.com/gomlx/nnrt/types/dimensions"
	"github.com/gomlx/nnrt/types/operands"
)

// IOType distinguishes the input and output role slots of a compiled graph.
type IOType int

const (
	Input IOType = iota
	Output
)

// String implements fmt.Stringer.
func (t IOType) String() string {
	if t == Input {
		return "input"
	}
	return "output"
}

// BufferRole declares one use of a buffer by one constituent step of a
// compiled graph.
type BufferRole struct {
	// ModelIndex indexes into Descriptor.PreparedModels.
	ModelIndex int

	// SlotIndex is the input or output slot of that step.
	SlotIndex int

	// Frequency estimates how often the buffer is used in this role per
	// execution, in (0.0, 1.0].
	Frequency float32
}

// Descriptor is the frozen specification handed to Device.Allocate: the
// distinct steps referencing the future buffer, its roles on each, the merged
// operand template and the merged dimension constraints.
type Descriptor struct {
	PreparedModels []PreparedModel
	InputRoles     []BufferRole
	OutputRoles    []BufferRole
	Operand        operands.Operand
	Dimensions     dimensions.Dimensions
}

// Device is an accelerator able to allocate memory for future workloads.
type Device interface {
	// Name identifies the device, for logs and diagnostics.
	Name() string

	// Allocate requests a device-side buffer satisfying desc. On success it
	// returns the opaque buffer together with a positive token identifying the
	// buffer to the driver.
	Allocate(desc *Descriptor) (Buffer, uint32, error)
}

// Buffer is an opaque device-side memory handle. It has no byte-addressable
// layout contract; data moves in and out only through host regions.
type Buffer interface {
	// CopyTo transfers the buffer's full contents into dst.
	CopyTo(dst *hostmem.Region) error

	// CopyFrom fills the buffer from src, reinterpreting the incoming data
	// with the given dimensions for any layout-aware transform.
	CopyFrom(src *hostmem.Region, dims dimensions.Dimensions) error
}

// PreparedModel is one executable step of a compiled graph.
type PreparedModel interface {
	// Device returns the accelerator the step was prepared for.
	Device() Device
}

// StepRoleFunc receives one (step, ioType, slot) triple from
// Compilation.ForEachStepRole.
type StepRoleFunc func(model PreparedModel, ioType IOType, slotIndex int)

// Compilation is a compiled graph as seen by the memory layer. A compilation
// may internally be a pipeline of steps, each with its own role mapping.
//
// Implementations must be comparable (pointer implementations are): the memory
// layer uses Compilation values as identities in role sets.
type Compilation interface {
	// Operand returns the operand descriptor backing the given I/O slot, or an
	// error if the slot index is out of range.
	Operand(ioType IOType, slotIndex int) (operands.Operand, error)

	// ForEachStepRole invokes fn once per constituent step that touches the
	// given slot.
	ForEachStepRole(ioType IOType, slotIndex int, fn StepRoleFunc) error
}
