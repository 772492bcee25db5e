package tensor

import "fmt"

// Concat joins tensors along the given axis. All inputs must agree on every
// other axis. Returns a new tensor allocated from b.
func Concat(b Backend, axis int, ts ...Tensor) Tensor {
	if len(ts) == 0 {
		panic("Concat: no tensors")
	}

	first := ts[0].Shape()
	rank := len(first)
	if axis < 0 || axis >= rank {
		panic(fmt.Sprintf("Concat: axis %d out of range for rank %d", axis, rank))
	}

	outShape := append([]int(nil), first...)
	outShape[axis] = 0
	for _, t := range ts {
		s := t.Shape()
		if len(s) != rank {
			panic(fmt.Sprintf("Concat: rank mismatch %v vs %v", first, s))
		}
		for k := 0; k < rank; k++ {
			if k != axis && s[k] != first[k] {
				panic(fmt.Sprintf("Concat: shape mismatch on axis %d: %v vs %v", k, first, s))
			}
		}
		outShape[axis] += s[axis]
	}

	inner := 1
	for k := axis + 1; k < rank; k++ {
		inner *= first[k]
	}
	outer := 1
	for k := 0; k < axis; k++ {
		outer *= first[k]
	}

	out := b.NewTensor(outShape, nil)
	dst := out.Data()
	outBlock := outShape[axis] * inner

	for o := 0; o < outer; o++ {
		at := o * outBlock
		for _, t := range ts {
			block := t.Shape()[axis] * inner
			src := t.Data()[o*block : (o+1)*block]
			copy(dst[at:at+block], src)
			at += block
		}
	}
	return out
}
