package features

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roadscene/bevgrid/internal/tensor"
)

func makeLevel(b tensor.Backend, batch, cams, e, h, w int, fill float32) tensor.Tensor {
	t := b.NewTensor([]int{batch, cams, e, h, w}, nil)
	data := t.Data()
	for i := range data {
		data[i] = fill
	}
	return t
}

func TestFlatten_Bookkeeping(t *testing.T) {
	backend := tensor.NewCPUBackend()
	batch, cams, e := 1, 2, 4

	mlvl := []tensor.Tensor{
		makeLevel(backend, batch, cams, e, 4, 4, 0),
		makeLevel(backend, batch, cams, e, 2, 2, 0),
	}
	camsEmbeds := backend.NewTensor([]int{cams, e}, nil)
	levelEmbeds := backend.NewTensor([]int{2, e}, nil)

	out, err := Flatten(backend, mlvl, camsEmbeds, levelEmbeds, true)
	require.NoError(t, err)

	require.Equal(t, []int{0, 16}, out.LevelStartIndex)
	require.Equal(t, 20, out.TotalTokens)
	require.Equal(t, [][2]int{{4, 4}, {2, 2}}, out.SpatialShapes)
	require.Equal(t, []int{cams, 20, batch, e}, out.Feats.Shape())
}

func TestFlatten_Embeddings(t *testing.T) {
	backend := tensor.NewCPUBackend()
	batch, cams, e := 2, 2, 3

	mlvl := []tensor.Tensor{
		makeLevel(backend, batch, cams, e, 2, 2, 1),
	}

	camsEmbeds := backend.NewTensor([]int{cams, e}, []float32{
		10, 10, 10,
		20, 20, 20,
	})
	levelEmbeds := backend.NewTensor([]int{1, e}, []float32{1, 2, 3})

	out, err := Flatten(backend, mlvl, camsEmbeds, levelEmbeds, true)
	require.NoError(t, err)

	// Camera 0: feature 1 + camera 10 + level (1,2,3) = (12, 13, 14).
	require.InDelta(t, 12, out.Feats.At(0, 0, 0, 0), 1e-6)
	require.InDelta(t, 13, out.Feats.At(0, 0, 0, 1), 1e-6)
	require.InDelta(t, 14, out.Feats.At(0, 0, 0, 2), 1e-6)
	// Camera 1 picks up its own row.
	require.InDelta(t, 22, out.Feats.At(1, 0, 0, 0), 1e-6)
	// Same value across batch and positions.
	require.InDelta(t, 12, out.Feats.At(0, 3, 1, 0), 1e-6)
}

func TestFlatten_CamsEmbedsDisabled(t *testing.T) {
	backend := tensor.NewCPUBackend()
	batch, cams, e := 1, 2, 3

	mlvl := []tensor.Tensor{
		makeLevel(backend, batch, cams, e, 2, 2, 1),
	}
	levelEmbeds := backend.NewTensor([]int{1, e}, []float32{1, 2, 3})

	// The camera table may be nil when disabled: it must not be read.
	out, err := Flatten(backend, mlvl, nil, levelEmbeds, false)
	require.NoError(t, err)

	// Only the level embedding is applied.
	require.InDelta(t, 2, out.Feats.At(0, 0, 0, 0), 1e-6)
	require.InDelta(t, 3, out.Feats.At(1, 0, 0, 1), 1e-6)
	require.InDelta(t, 4, out.Feats.At(1, 3, 0, 2), 1e-6)
}

func TestFlatten_TokenOrdering(t *testing.T) {
	backend := tensor.NewCPUBackend()

	// Two levels with distinct fills: level 0 tokens must precede level 1
	// tokens in the concatenated sequence.
	lvl0 := makeLevel(backend, 1, 1, 2, 2, 2, 100)
	lvl1 := makeLevel(backend, 1, 1, 2, 1, 1, 200)
	levelEmbeds := backend.NewTensor([]int{2, 2}, nil)

	out, err := Flatten(backend, []tensor.Tensor{lvl0, lvl1}, nil, levelEmbeds, false)
	require.NoError(t, err)
	require.Equal(t, []int{0, 4}, out.LevelStartIndex)

	require.InDelta(t, 100, out.Feats.At(0, 3, 0, 0), 1e-6)
	require.InDelta(t, 200, out.Feats.At(0, 4, 0, 0), 1e-6)
}

func TestFlatten_ShapeErrors(t *testing.T) {
	backend := tensor.NewCPUBackend()

	// Channel count disagreeing with the embedding dimension.
	mlvl := []tensor.Tensor{makeLevel(backend, 1, 2, 5, 2, 2, 0)}
	levelEmbeds := backend.NewTensor([]int{1, 4}, nil)

	_, err := Flatten(backend, mlvl, nil, levelEmbeds, false)
	require.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	// Level count disagreeing with the level table.
	mlvl = []tensor.Tensor{makeLevel(backend, 1, 2, 4, 2, 2, 0)}
	levelEmbeds = backend.NewTensor([]int{3, 4}, nil)
	_, err = Flatten(backend, mlvl, nil, levelEmbeds, false)
	require.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	// Camera table row count disagreeing with cams.
	levelEmbeds = backend.NewTensor([]int{1, 4}, nil)
	camsEmbeds := backend.NewTensor([]int{3, 4}, nil)
	_, err = Flatten(backend, mlvl, camsEmbeds, levelEmbeds, true)
	require.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}
