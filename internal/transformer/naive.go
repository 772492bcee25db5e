package transformer

import (
	"context"
	"math"

	"github.com/roadscene/bevgrid/internal/simd"
	"github.com/roadscene/bevgrid/internal/tensor"
)

// NaiveFusion is a minimal fusion sequence: it mixes the positional
// encoding, the aligned previous state, and a global camera context into the
// BEV query. Deployments inject a deformable-attention sequence instead;
// this one exists for tests and the demo CLI.
type NaiveFusion struct {
	backend tensor.Backend
}

func NewNaiveFusion(backend tensor.Backend) *NaiveFusion {
	return &NaiveFusion{backend: backend}
}

func (f *NaiveFusion) Encode(_ context.Context, in *FusionInputs) (tensor.Tensor, error) {
	out := f.backend.NewTensor(in.Query.Shape(), in.Query.Data())
	out.Add(in.BEVPos)

	// Blend in the temporally aligned previous state.
	if in.PrevBEV != nil {
		d := out.Data()
		p := in.PrevBEV.Data()
		for i := range d {
			d[i] = 0.5*d[i] + 0.5*p[i]
		}
	}

	// Global camera context: the mean feature vector per batch element,
	// added to every cell.
	s := in.Value.Shape()
	cams, total, batch, e := s[0], s[1], s[2], s[3]
	val := in.Value.Data()
	ctxVec := make([]float32, batch*e)

	for c := 0; c < cams; c++ {
		for p := 0; p < total; p++ {
			base := ((c*total + p) * batch) * e
			simd.VecAdd(ctxVec, val[base:base+batch*e])
		}
	}
	inv := 1.0 / float32(cams*total)
	for i := range ctxVec {
		ctxVec[i] *= inv
	}

	d := out.Data()
	cells := out.Shape()[0]
	for cell := 0; cell < cells; cell++ {
		simd.VecAdd(d[cell*batch*e:(cell+1)*batch*e], ctxVec)
	}
	return out, nil
}

// NaiveDecoder is a minimal decode sequence: per layer, single-head
// dot-product attention of each query over the BEV cells, followed by
// reference-point refinement through the provided regression heads.
type NaiveDecoder struct {
	backend tensor.Backend
	layers  int
}

func NewNaiveDecoder(backend tensor.Backend, layers int) *NaiveDecoder {
	if layers <= 0 {
		layers = 1
	}
	return &NaiveDecoder{backend: backend, layers: layers}
}

func (d *NaiveDecoder) Decode(_ context.Context, in *DecodeInputs) (*DecodeOutputs, error) {
	qs := in.Query.Shape()
	nq, batch, e := qs[0], qs[1], qs[2]
	vs := in.Value.Shape()
	cells := vs[1]

	state := d.backend.NewTensor(qs, in.Query.Data())
	state.Add(in.QueryPos)

	states := d.backend.NewTensor([]int{d.layers, nq, batch, e}, nil)
	refs := d.backend.NewTensor([]int{d.layers, batch, nq, 3}, nil)

	ref := d.backend.NewTensor(in.ReferencePoints.Shape(), in.ReferencePoints.Data())
	scale := float32(1.0 / math.Sqrt(float64(e)))

	sd := state.Data()
	vd := in.Value.Data()
	scores := make([]float32, cells)

	for layer := 0; layer < d.layers; layer++ {
		for q := 0; q < nq; q++ {
			for b := 0; b < batch; b++ {
				row := sd[(q*batch+b)*e : (q*batch+b+1)*e]
				for c := 0; c < cells; c++ {
					cell := vd[(b*cells+c)*e : (b*cells+c+1)*e]
					scores[c] = simd.DotProduct(row, cell) * scale
				}
				simd.SoftmaxFast(scores)
				for c := 0; c < cells; c++ {
					if scores[c] != 0 {
						simd.VecAddScaled(row, vd[(b*cells+c)*e:(b*cells+c+1)*e], scores[c])
					}
				}
			}
		}

		copy(states.Data()[layer*nq*batch*e:], sd)

		if in.RegressionHeads != nil && layer < len(in.RegressionHeads) {
			delta := in.RegressionHeads[layer](state) // [nq, batch, 3]
			dd := delta.Data()
			rd := ref.Data()
			for b := 0; b < batch; b++ {
				for q := 0; q < nq; q++ {
					for k := 0; k < 3; k++ {
						logit := InverseSigmoid(rd[(b*nq+q)*3+k], DefaultEps) + dd[(q*batch+b)*3+k]
						rd[(b*nq+q)*3+k] = float32(1.0 / (1.0 + math.Exp(-float64(logit))))
					}
				}
			}
		}
		copy(refs.Data()[layer*batch*nq*3:], ref.Data())
	}

	return &DecodeOutputs{States: states, References: refs}, nil
}
