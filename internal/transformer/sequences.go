package transformer

import (
	"context"

	"github.com/roadscene/bevgrid/internal/tensor"
)

// FusionInputs is the call contract of the fusion (encoder) sequence. The
// orchestrator fills every field; the sequence treats the BEV query as the
// state to update and never hands partial results back.
type FusionInputs struct {
	// Query is the current BEV state estimate, [h*w, batch, e].
	Query tensor.Tensor

	// Key and Value are the flattened camera features, [cams, total, batch, e].
	// The orchestrator passes the same tensor for both.
	Key   tensor.Tensor
	Value tensor.Tensor

	// Ref2D is [batch, h*w, 1, 2]; Ref3D is [batch, d, h*w, 3].
	Ref2D tensor.Tensor
	Ref3D tensor.Tensor

	BEVH int
	BEVW int

	// BEVPos is the positional encoding, [h*w, batch, e].
	BEVPos tensor.Tensor

	SpatialShapes   [][2]int
	LevelStartIndex []int

	// PrevBEV is the ego-motion-aligned previous state, [h*w, batch, e],
	// or nil on the first frame of a sequence.
	PrevBEV tensor.Tensor

	// Shift is the grid-cell displacement (x, y) of the ego frame since the
	// previous frame.
	Shift [2]float32

	// Aux carries arbitrary auxiliary metadata for sequence implementations
	// that need more than the typed fields. The orchestrator never reads it.
	Aux map[string]interface{}
}

// FusionSequence is the pluggable multi-layer attention processor that fuses
// camera features into the BEV grid. Implementations return an updated query
// of the same shape as FusionInputs.Query.
type FusionSequence interface {
	Encode(ctx context.Context, in *FusionInputs) (tensor.Tensor, error)
}

// DecodeInputs is the call contract of the decode (decoder) sequence.
type DecodeInputs struct {
	// Query and QueryPos are [numQuery, batch, e].
	Query    tensor.Tensor
	QueryPos tensor.Tensor

	// Key is always nil; Value is the fused BEV state, [batch, h*w, e].
	Key   tensor.Tensor
	Value tensor.Tensor

	// ReferencePoints is the initial 3D localization guess per query,
	// [batch, numQuery, 3], already squashed into (0,1).
	ReferencePoints tensor.Tensor

	// Single-level metadata describing the BEV grid: [[bevH, bevW]] / [0].
	SpatialShapes   [][2]int
	LevelStartIndex []int

	// RegressionHeads are the optional per-layer heads the sequence uses to
	// refine reference points layer by layer. Opaque to the orchestrator.
	RegressionHeads []RegressionHead

	Aux map[string]interface{}
}

// RegressionHead maps a decoder-layer state [numQuery, batch, e] to logit
// deltas [numQuery, batch, 3] for reference-point refinement.
type RegressionHead func(state tensor.Tensor) tensor.Tensor

// DecodeOutputs carries the sequence's raw outputs, returned to the caller
// unchanged.
type DecodeOutputs struct {
	// States stacks the per-layer query states, [layers, numQuery, batch, e].
	States tensor.Tensor

	// References stacks the per-layer refined reference points,
	// [layers, batch, numQuery, 3]. One entry per layer, in layer order.
	References tensor.Tensor
}

// DecodeSequence is the pluggable query decoder run against the fused BEV
// state.
type DecodeSequence interface {
	Decode(ctx context.Context, in *DecodeInputs) (*DecodeOutputs, error)
}
