package transformer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roadscene/bevgrid/internal/egomotion"
	"github.com/roadscene/bevgrid/internal/features"
	"github.com/roadscene/bevgrid/internal/refgrid"
	"github.com/roadscene/bevgrid/internal/tensor"
)

// EncodeRequest carries the per-frame inputs of the BEV encode pass.
type EncodeRequest struct {
	// MLVLFeats holds one tensor per pyramid level,
	// [batch, cams, e, h_l, w_l].
	MLVLFeats []tensor.Tensor

	// BEVQueries is the learned per-cell embedding, [h*w, e].
	BEVQueries tensor.Tensor

	// BEVPos is the positional encoding of the BEV grid, [batch, e, h, w].
	BEVPos tensor.Tensor

	// CANBus is the raw 18-length ego-motion vector of the frame.
	CANBus []float32

	// PrevBEV is the previous fused state, [h*w, batch, e] or
	// [batch, h*w, e]; nil on the first frame of a sequence.
	PrevBEV tensor.Tensor

	BEVH int
	BEVW int

	// GridLength is the metric extent of one grid cell, ordered (y, x).
	GridLength [2]float64
}

// Encode fuses the camera features into an updated BEV state,
// [h*w, batch, e].
func (t *Transformer) Encode(ctx context.Context, req *EncodeRequest) (tensor.Tensor, error) {
	ctx, span := tracer.Start(ctx, "bevgrid.encode")
	defer span.End()
	start := time.Now()

	if len(req.MLVLFeats) != t.cfg.NumFeatureLevels {
		return nil, fmt.Errorf("transformer: %d feature levels, configured for %d: %w",
			len(req.MLVLFeats), t.cfg.NumFeatureLevels, tensor.ErrShapeMismatch)
	}
	cells := req.BEVH * req.BEVW
	qs := req.BEVQueries.Shape()
	if len(qs) != 2 || qs[0] != cells || qs[1] != t.cfg.EmbedDims {
		return nil, fmt.Errorf("transformer: BEV queries %v, want [%d %d]: %w",
			qs, cells, t.cfg.EmbedDims, tensor.ErrShapeMismatch)
	}

	batch := req.MLVLFeats[0].Shape()[0]
	span.SetAttributes(
		attribute.Int("bev.h", req.BEVH),
		attribute.Int("bev.w", req.BEVW),
		attribute.Int("batch", batch),
	)

	query := broadcastCells(t.backend, req.BEVQueries, batch)
	bevPos := req.BEVPos.Reshape(batch, t.cfg.EmbedDims, cells).Permute(2, 0, 1)

	ref2d := refgrid.Grid2D(t.backend, req.BEVH, req.BEVW, batch)
	ref3d := refgrid.Column3D(t.backend, req.BEVH, req.BEVW, t.cfg.Z, t.cfg.D, batch)

	rec, err := egomotion.ParseCANBus(req.CANBus)
	if err != nil {
		return nil, err
	}
	shiftX, shiftY, err := egomotion.ComputeShift(rec,
		req.GridLength[1], req.GridLength[0], req.BEVH, req.BEVW, t.cfg.UseShift)
	if err != nil {
		return nil, err
	}

	prev := req.PrevBEV
	if prev != nil {
		s := prev.Shape()
		if len(s) == 3 && s[0] == batch && s[1] == cells {
			prev = prev.Permute(1, 0, 2)
		}
		prev, err = egomotion.AlignPrevious(t.backend, prev, req.BEVH, req.BEVW,
			rec.RotationAngleDeg, t.cfg.RotatePrevBEV)
		if err != nil {
			return nil, err
		}
		prevAligned.Inc()
	}

	if t.cfg.UseCANBus {
		query.AddVec(t.canBusEmbed(rec.Raw))
	}

	flat, err := features.Flatten(t.backend, req.MLVLFeats, t.camsEmbeds, t.levelEmbeds, t.cfg.UseCamsEmbeds)
	if err != nil {
		return nil, err
	}

	fused, err := t.fusion.Encode(ctx, &FusionInputs{
		Query:           query,
		Key:             flat.Feats,
		Value:           flat.Feats,
		Ref2D:           ref2d,
		Ref3D:           ref3d,
		BEVH:            req.BEVH,
		BEVW:            req.BEVW,
		BEVPos:          bevPos,
		SpatialShapes:   flat.SpatialShapes,
		LevelStartIndex: flat.LevelStartIndex,
		PrevBEV:         prev,
		Shift:           [2]float32{float32(shiftX), float32(shiftY)},
	})
	if err != nil {
		return nil, fmt.Errorf("transformer: fusion sequence: %w", err)
	}

	fs := fused.Shape()
	if len(fs) != 3 || fs[0] != cells || fs[1] != batch || fs[2] != t.cfg.EmbedDims {
		return nil, fmt.Errorf("transformer: fusion returned %v, want [%d %d %d]: %w",
			fs, cells, batch, t.cfg.EmbedDims, tensor.ErrShapeMismatch)
	}

	encodeDuration.Observe(time.Since(start).Seconds())
	return fused, nil
}
