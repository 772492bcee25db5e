package transformer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/roadscene/bevgrid/internal/tensor"
)

// DefaultEps is the clamp used by InverseSigmoid to avoid log-of-zero near
// saturation.
const DefaultEps = 1e-5

// DecodeRequest carries the query-decoding inputs.
type DecodeRequest struct {
	// QueryEmbed packs the positional and content halves of every query,
	// [numQuery, 2e]. The positional half comes first.
	QueryEmbed tensor.Tensor

	BEVH int
	BEVW int

	// RegressionHeads are handed to the decode sequence unchanged; nil when
	// the caller does not refine boxes layer by layer.
	RegressionHeads []RegressionHead
}

// DecodeResult is the decode sequence's raw output plus the initial
// reference points derived from the query positions.
type DecodeResult struct {
	// States stacks per-layer query states, [layers, numQuery, batch, e].
	States tensor.Tensor

	// InitReference is the learned initial 3D localization guess,
	// [batch, numQuery, 3], all coordinates in (0,1).
	InitReference tensor.Tensor

	// InterReferences stacks the per-layer refined reference points,
	// [layers, batch, numQuery, 3].
	InterReferences tensor.Tensor
}

// Decode runs the query decoder against a fused BEV state of shape
// [h*w, batch, e].
func (t *Transformer) Decode(ctx context.Context, bevState tensor.Tensor, req *DecodeRequest) (*DecodeResult, error) {
	ctx, span := tracer.Start(ctx, "bevgrid.decode")
	defer span.End()
	start := time.Now()

	qs := req.QueryEmbed.Shape()
	if len(qs) != 2 || qs[0] != t.cfg.NumQuery || qs[1] != 2*t.cfg.EmbedDims {
		return nil, fmt.Errorf("transformer: query embed %v, want [%d %d]: %w",
			qs, t.cfg.NumQuery, 2*t.cfg.EmbedDims, tensor.ErrShapeMismatch)
	}
	bs := bevState.Shape()
	if len(bs) != 3 || bs[0] != req.BEVH*req.BEVW {
		return nil, fmt.Errorf("transformer: BEV state %v does not match %dx%d grid: %w",
			bs, req.BEVH, req.BEVW, tensor.ErrShapeMismatch)
	}
	batch := bs[1]

	queryPos, query := splitQueryEmbed(t.backend, req.QueryEmbed, t.cfg.EmbedDims)

	// [numQuery, batch, e] for the sequence; [batch, numQuery, e] for the
	// reference-point projection.
	posSeq := broadcastCells(t.backend, queryPos, batch)
	querySeq := broadcastCells(t.backend, query, batch)
	posBatch := posSeq.Permute(1, 0, 2)

	initRef := t.scratch.Linear(posBatch, t.refWeight, t.refBias)
	initRef.Sigmoid()

	out, err := t.decoder.Decode(ctx, &DecodeInputs{
		Query:           querySeq,
		QueryPos:        posSeq,
		Key:             nil,
		Value:           bevState.Permute(1, 0, 2),
		ReferencePoints: initRef,
		SpatialShapes:   [][2]int{{req.BEVH, req.BEVW}},
		LevelStartIndex: []int{0},
		RegressionHeads: req.RegressionHeads,
	})
	if err != nil {
		return nil, fmt.Errorf("transformer: decode sequence: %w", err)
	}

	decodeDuration.Observe(time.Since(start).Seconds())
	return &DecodeResult{
		States:          out.States,
		InitReference:   initRef,
		InterReferences: out.References,
	}, nil
}

// splitQueryEmbed splits the packed [numQuery, 2e] embedding into its
// positional (first) and content (second) halves.
func splitQueryEmbed(b tensor.Backend, packed tensor.Tensor, e int) (pos, content tensor.Tensor) {
	n := packed.Shape()[0]
	src := packed.Data()

	pos = b.NewTensor([]int{n, e}, nil)
	content = b.NewTensor([]int{n, e}, nil)
	pd, cd := pos.Data(), content.Data()
	for q := 0; q < n; q++ {
		copy(pd[q*e:], src[q*2*e:q*2*e+e])
		copy(cd[q*e:], src[q*2*e+e:(q+1)*2*e])
	}
	return pos, content
}

// InverseSigmoid maps a normalized coordinate back to its pre-sigmoid logit
// for residual-style refinement. x is clamped to [0,1] and both x and 1-x
// to at least eps, so saturated inputs stay finite.
func InverseSigmoid(x, eps float32) float32 {
	if x < 0 {
		x = 0
	} else if x > 1 {
		x = 1
	}
	x1 := x
	if x1 < eps {
		x1 = eps
	}
	x2 := 1 - x
	if x2 < eps {
		x2 = eps
	}
	return float32(math.Log(float64(x1) / float64(x2)))
}

// InverseSigmoidInPlace applies InverseSigmoid to every element.
func InverseSigmoidInPlace(t tensor.Tensor, eps float32) {
	data := t.Data()
	for i, v := range data {
		data[i] = InverseSigmoid(v, eps)
	}
}
