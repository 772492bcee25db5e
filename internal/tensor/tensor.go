package tensor

import "errors"

// ErrShapeMismatch is wrapped by every shape-contract violation surfaced by
// this module. Callers test for it with errors.Is.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor represents a dense row-major float32 array of arbitrary rank.
// All data is CPU-resident; implementations never migrate data between
// devices on their own.
type Tensor interface {
	// Shape returns the dimensions of the tensor. The returned slice must
	// not be mutated.
	Shape() []int

	// Size returns the total number of elements.
	Size() int

	// At returns the value at the given multi-index.
	// This is often slow and should be used for debugging or infrequent access.
	At(idx ...int) float32

	// Set sets the value at the given multi-index.
	Set(v float32, idx ...int)

	// Data returns the underlying slice. Mutations are visible to the tensor.
	Data() []float32

	// ToHost copies the data to a fresh Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of the same shape.
	Copy(from Tensor)

	// Reshape returns a view sharing this tensor's data with a new shape of
	// the same total size.
	Reshape(shape ...int) Tensor

	// Permute returns a materialized copy with axes reordered so that
	// out.Shape()[k] == t.Shape()[order[k]].
	Permute(order ...int) Tensor

	// Operations (in-place unless stated otherwise)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// AddScalar performs: t = t + val
	AddScalar(val float32)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddVec adds a vector (broadcast over all leading axes) to the last axis.
	AddVec(vec Tensor)

	// MatMul performs 2-D matrix multiplication: t = a * b
	MatMul(a, b Tensor)

	// Activation functions (in-place)
	Relu()
	Sigmoid()
	Tanh()
	Softmax() // over the last axis

	// LayerNorm normalizes over the last axis with learned scale and bias.
	LayerNorm(gamma, beta Tensor, eps float32)

	// Linear performs a fused MatMul + BiasAdd over the last axis:
	// input [..., in] x weight [in, out] + bias [out] -> [..., out].
	// Returns a new tensor; bias may be nil.
	Linear(input, weight, bias Tensor) Tensor
}

// Backend creates tensors and manages their memory.
type Backend interface {
	Name() string
	NewTensor(shape []int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(shape ...int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
