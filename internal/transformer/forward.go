package transformer

import (
	"context"

	"github.com/roadscene/bevgrid/internal/tensor"
)

// ForwardRequest bundles one full encode -> decode pass.
type ForwardRequest struct {
	Encode EncodeRequest
	Decode DecodeRequest

	// ReturnBEV asks for the fused BEV state alongside the decode outputs.
	ReturnBEV bool
}

// ForwardResult is the outcome of one forward pass. Decode is nil in
// encoder-only mode; BEV is nil unless requested or encoder-only.
type ForwardResult struct {
	BEV    tensor.Tensor
	Decode *DecodeResult
}

// Forward runs the full pipeline for one input batch.
func (t *Transformer) Forward(ctx context.Context, req *ForwardRequest) (*ForwardResult, error) {
	ctx, span := tracer.Start(ctx, "bevgrid.forward")
	defer span.End()

	req.Decode.BEVH = req.Encode.BEVH
	req.Decode.BEVW = req.Encode.BEVW

	bev, err := t.Encode(ctx, &req.Encode)
	if err != nil {
		return nil, err
	}
	forwardTotal.Inc()

	if t.cfg.EncoderOnly {
		return &ForwardResult{BEV: bev}, nil
	}

	dec, err := t.Decode(ctx, bev, &req.Decode)
	if err != nil {
		return nil, err
	}

	res := &ForwardResult{Decode: dec}
	if req.ReturnBEV {
		res.BEV = bev
	}
	return res, nil
}
