package tensor

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/roadscene/bevgrid/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(shape []int, data []float32) Tensor {
	size := numElements(shape)
	t := &CPUTensor{
		backend: b,
		shape:   append([]int(nil), shape...),
	}

	if data == nil {
		t.data = make([]float32, size)
	} else {
		if len(data) != size {
			panic(fmt.Sprintf("NewTensor: data length %d does not match shape %v", len(data), shape))
		}
		t.data = make([]float32, size)
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(shape ...int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.shape = append(ct.shape[:0], shape...)
	size := numElements(shape)
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}

	ct.shape = ct.shape[:0]
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	shape   []int
}

func (t *CPUTensor) Shape() []int {
	return t.shape
}

func (t *CPUTensor) Size() int {
	return len(t.data)
}

// offset maps a multi-index to the flat row-major position.
func (t *CPUTensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("index rank %d does not match tensor rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for k, i := range idx {
		if i < 0 || i >= t.shape[k] {
			panic(fmt.Sprintf("index %d out of range for axis %d (size %d)", i, k, t.shape[k]))
		}
		off = off*t.shape[k] + i
	}
	return off
}

func (t *CPUTensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

func (t *CPUTensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic("CopyFromFloat32: size mismatch")
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		panic("Copying between different backends not supported")
	}
	if len(t.data) != len(ft.data) {
		panic(fmt.Sprintf("Copy: size mismatch. Target: %v, Source: %v", t.shape, ft.shape))
	}
	copy(t.data, ft.data)
}

func (t *CPUTensor) Reshape(shape ...int) Tensor {
	if numElements(shape) != len(t.data) {
		panic(fmt.Sprintf("Reshape: %v incompatible with size %d", shape, len(t.data)))
	}
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		shape:   append([]int(nil), shape...),
	}
}

func (t *CPUTensor) Permute(order ...int) Tensor {
	rank := len(t.shape)
	if len(order) != rank {
		panic(fmt.Sprintf("Permute: order rank %d does not match tensor rank %d", len(order), rank))
	}

	outShape := make([]int, rank)
	seen := make([]bool, rank)
	for k, o := range order {
		if o < 0 || o >= rank || seen[o] {
			panic(fmt.Sprintf("Permute: invalid axis order %v", order))
		}
		seen[o] = true
		outShape[k] = t.shape[o]
	}

	// Source strides, row-major.
	srcStride := make([]int, rank)
	s := 1
	for k := rank - 1; k >= 0; k-- {
		srcStride[k] = s
		s *= t.shape[k]
	}

	out := t.backend.NewTensor(outShape, nil).(*CPUTensor)
	idx := make([]int, rank)
	for flat := range out.data {
		src := 0
		for k := 0; k < rank; k++ {
			src += idx[k] * srcStride[order[k]]
		}
		out.data[flat] = t.data[src]

		// Increment the output multi-index, last axis fastest.
		for k := rank - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < outShape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return out
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		panic("Mixed backend Add not supported")
	}
	if len(t.data) != len(ot.data) {
		panic(fmt.Sprintf("Add: shape mismatch. Target: %v, Other: %v", t.shape, ot.shape))
	}
	simd.VecAdd(t.data, ot.data)
}

func (t *CPUTensor) AddScalar(val float32) {
	for i := range t.data {
		t.data[i] += val
	}
}

func (t *CPUTensor) Scale(val float32) {
	for i := range t.data {
		t.data[i] *= val
	}
}

func (t *CPUTensor) AddVec(vec Tensor) {
	vt, ok := vec.(*CPUTensor)
	if !ok {
		panic("Mixed backend AddVec not supported")
	}

	c := t.shape[len(t.shape)-1]
	if len(vt.data) != c {
		panic(fmt.Sprintf("AddVec: vector length %d does not match last axis %d", len(vt.data), c))
	}

	for start := 0; start < len(t.data); start += c {
		simd.VecAdd(t.data[start:start+c], vt.data)
	}
}

func (t *CPUTensor) MatMul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)
	if !ok1 || !ok2 {
		panic("Mixed backend MatMul not supported")
	}
	if len(ma.shape) != 2 || len(mb.shape) != 2 || len(t.shape) != 2 {
		panic("MatMul: all operands must be rank 2")
	}

	ar, ac := ma.shape[0], ma.shape[1]
	br, bc := mb.shape[0], mb.shape[1]
	if ac != br {
		panic(fmt.Sprintf("MatMul: A cols (%d) != B rows (%d)", ac, br))
	}
	if t.shape[0] != ar || t.shape[1] != bc {
		panic(fmt.Sprintf("MatMul: result must be %dx%d, got %v", ar, bc, t.shape))
	}

	gemm(ar, ac, bc, ma.data, mb.data, t.data)
}

// gemm dispatches a single-precision matrix multiply through gonum's
// registered BLAS implementation (netlib when built with cgo).
func gemm(m, k, n int, a, b, c []float32) {
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, ga, gb, 0, gc)
}

func (t *CPUTensor) Relu() {
	simd.ReluFast(t.data)
}

// Sigmoid is computed through math.Exp rather than the simd approximation:
// reference points derived from it must round-trip through the logit
// transform used for iterative refinement.
func (t *CPUTensor) Sigmoid() {
	for i, v := range t.data {
		t.data[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}
}

func (t *CPUTensor) Tanh() {
	for i, v := range t.data {
		t.data[i] = simd.TanhFast(v)
	}
}

func (t *CPUTensor) Softmax() {
	c := t.shape[len(t.shape)-1]
	for start := 0; start < len(t.data); start += c {
		simd.SoftmaxFast(t.data[start : start+c])
	}
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gt, ok1 := gamma.(*CPUTensor)
	bt, ok2 := beta.(*CPUTensor)
	if !ok1 || !ok2 {
		panic("Mixed backend LayerNorm not supported")
	}

	c := t.shape[len(t.shape)-1]
	if len(gt.data) != c || len(bt.data) != c {
		panic(fmt.Sprintf("LayerNorm: gamma/beta length must be %d", c))
	}

	for start := 0; start < len(t.data); start += c {
		row := t.data[start : start+c]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(c)

		var variance float32
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(c)

		invStd := 1.0 / sqrt32(variance+eps)
		for i, v := range row {
			row[i] = (v-mean)*invStd*gt.data[i] + bt.data[i]
		}
	}
}

func (t *CPUTensor) Linear(input, weight, bias Tensor) Tensor {
	in, ok1 := input.(*CPUTensor)
	wt, ok2 := weight.(*CPUTensor)
	if !ok1 || !ok2 {
		panic("Mixed backend Linear not supported")
	}
	if len(wt.shape) != 2 {
		panic("Linear: weight must be rank 2")
	}

	inDim, outDim := wt.shape[0], wt.shape[1]
	last := in.shape[len(in.shape)-1]
	if last != inDim {
		panic(fmt.Sprintf("Linear: input last axis %d != weight rows %d", last, inDim))
	}

	rows := len(in.data) / inDim
	outShape := append(append([]int(nil), in.shape[:len(in.shape)-1]...), outDim)
	out := t.backend.NewTensor(outShape, nil).(*CPUTensor)

	gemm(rows, inDim, outDim, in.data, wt.data, out.data)

	if bias != nil {
		out.AddVec(bias)
	}
	return out
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
