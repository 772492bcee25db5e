// Package features turns per-level multi-camera image feature maps into the
// single token sequence consumed by the fusion sequence, together with the
// spatial-shape and level-start bookkeeping that multi-level deformable
// attention expects.
package features

import (
	"fmt"

	"github.com/roadscene/bevgrid/internal/simd"
	"github.com/roadscene/bevgrid/internal/tensor"
)

// Flattened is the output of Flatten.
type Flattened struct {
	// Feats has shape [cams, totalTokens, batch, e]: all pyramid levels
	// concatenated on the token axis, camera and level embeddings applied.
	Feats tensor.Tensor

	// SpatialShapes holds (h, w) per pyramid level.
	SpatialShapes [][2]int

	// LevelStartIndex[l] is the token offset at which level l begins in the
	// concatenated sequence. Always starts at 0 and is strictly increasing.
	LevelStartIndex []int

	// TotalTokens is the sum of h*w over all levels.
	TotalTokens int
}

// Flatten reshapes multi-level camera features [batch, cams, e, h_l, w_l]
// into one token sequence per camera. camsEmbeds is [cams, e] and only read
// when useCamsEmbeds is set; levelEmbeds is [levels, e] and always applied.
func Flatten(b tensor.Backend, mlvlFeats []tensor.Tensor, camsEmbeds, levelEmbeds tensor.Tensor, useCamsEmbeds bool) (*Flattened, error) {
	if len(mlvlFeats) == 0 {
		return nil, fmt.Errorf("features: no feature levels: %w", tensor.ErrShapeMismatch)
	}

	le := levelEmbeds.Shape()
	if le[0] != len(mlvlFeats) {
		return nil, fmt.Errorf("features: %d levels but level embedding table has %d rows: %w",
			len(mlvlFeats), le[0], tensor.ErrShapeMismatch)
	}
	embedDims := le[1]

	first := mlvlFeats[0].Shape()
	batch, cams := first[0], first[1]
	if useCamsEmbeds {
		ce := camsEmbeds.Shape()
		if ce[0] != cams || ce[1] != embedDims {
			return nil, fmt.Errorf("features: camera embedding table %v does not match %d cams x %d dims: %w",
				ce, cams, embedDims, tensor.ErrShapeMismatch)
		}
	}

	out := &Flattened{LevelStartIndex: make([]int, 0, len(mlvlFeats))}
	perLevel := make([]tensor.Tensor, 0, len(mlvlFeats))

	for lvl, feat := range mlvlFeats {
		s := feat.Shape()
		if len(s) != 5 || s[0] != batch || s[1] != cams {
			return nil, fmt.Errorf("features: level %d shape %v inconsistent with level 0 %v: %w",
				lvl, s, first, tensor.ErrShapeMismatch)
		}
		if s[2] != embedDims {
			return nil, fmt.Errorf("features: level %d has %d channels, embedding dimension is %d: %w",
				lvl, s[2], embedDims, tensor.ErrShapeMismatch)
		}
		h, w := s[3], s[4]
		tokens := h * w

		// [batch, cams, e, h*w] -> [cams, batch, h*w, e]
		flat := feat.Reshape(batch, cams, embedDims, tokens).Permute(1, 0, 3, 2)

		if useCamsEmbeds {
			addCameraRows(flat, camsEmbeds)
		}
		flat.AddVec(levelRow(b, levelEmbeds, lvl))

		out.LevelStartIndex = append(out.LevelStartIndex, out.TotalTokens)
		out.SpatialShapes = append(out.SpatialShapes, [2]int{h, w})
		out.TotalTokens += tokens
		perLevel = append(perLevel, flat)
	}

	// Concatenate levels on the token axis, then reorder for the fusion
	// sequence: [cams, batch, total, e] -> [cams, total, batch, e].
	cat := tensor.Concat(b, 2, perLevel...)
	out.Feats = cat.Permute(0, 2, 1, 3)
	return out, nil
}

// addCameraRows adds camsEmbeds[c] to every token of camera c, broadcast
// over batch and position. flat is [cams, batch, tokens, e].
func addCameraRows(flat tensor.Tensor, camsEmbeds tensor.Tensor) {
	s := flat.Shape()
	cams, inner := s[0], s[1]*s[2]*s[3]
	e := s[3]
	data := flat.Data()
	embeds := camsEmbeds.Data()

	for c := 0; c < cams; c++ {
		row := embeds[c*e : (c+1)*e]
		block := data[c*inner : (c+1)*inner]
		for start := 0; start < len(block); start += e {
			simd.VecAdd(block[start:start+e], row)
		}
	}
}

// levelRow extracts row lvl of the level embedding table as a vector.
func levelRow(b tensor.Backend, levelEmbeds tensor.Tensor, lvl int) tensor.Tensor {
	e := levelEmbeds.Shape()[1]
	return b.NewTensor([]int{e}, levelEmbeds.Data()[lvl*e:(lvl+1)*e])
}
