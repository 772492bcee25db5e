package transformer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roadscene/bevgrid/internal/egomotion"
	"github.com/roadscene/bevgrid/internal/tensor"
)

func testConfig() Config {
	return Config{
		NumFeatureLevels: 2,
		NumCams:          2,
		NumQuery:         8,
		Z:                8,
		D:                2,
		EmbedDims:        8,
		RotatePrevBEV:    egomotion.RotateCenter,
		UseShift:         egomotion.ShiftStandard,
		UseCANBus:        true,
		CANBusNorm:       true,
		UseCamsEmbeds:    true,
	}
}

func newTestTransformer(t *testing.T, cfg Config) (*Transformer, tensor.Backend) {
	t.Helper()
	backend := tensor.NewCPUBackend()
	tr, err := New(cfg, NewNaiveFusion(backend), NewNaiveDecoder(backend, 3), backend)
	require.NoError(t, err)
	return tr, backend
}

func testEncodeRequest(backend tensor.Backend, cfg Config, batch, bevH, bevW int) *EncodeRequest {
	e := cfg.EmbedDims
	mlvl := make([]tensor.Tensor, cfg.NumFeatureLevels)
	h, w := 4, 4
	for l := range mlvl {
		feat := backend.NewTensor([]int{batch, cfg.NumCams, e, h, w}, nil)
		data := feat.Data()
		for i := range data {
			data[i] = float32((i%13))*0.1 - 0.5
		}
		mlvl[l] = feat
		h, w = h/2, w/2
	}

	queries := backend.NewTensor([]int{bevH * bevW, e}, nil)
	for i, d := 0, queries.Data(); i < len(d); i++ {
		d[i] = float32(i%7) * 0.05
	}

	pos := backend.NewTensor([]int{batch, e, bevH, bevW}, nil)

	canBus := make([]float32, egomotion.CANBusLen)
	canBus[0] = 1 // delta_x

	return &EncodeRequest{
		MLVLFeats:  mlvl,
		BEVQueries: queries,
		BEVPos:     pos,
		CANBus:     canBus,
		BEVH:       bevH,
		BEVW:       bevW,
		GridLength: [2]float64{0.512, 0.512},
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	backend := tensor.NewCPUBackend()
	fusion := NewNaiveFusion(backend)
	decoder := NewNaiveDecoder(backend, 2)

	bad := testConfig()
	bad.EmbedDims = 7 // odd
	_, err := New(bad, fusion, decoder, backend)
	require.True(t, errors.Is(err, ErrConfiguration))

	bad = testConfig()
	bad.UseShift = egomotion.ShiftMode(17)
	_, err = New(bad, fusion, decoder, backend)
	require.True(t, errors.Is(err, ErrConfiguration))

	bad = testConfig()
	bad.RotatePrevBEV = egomotion.RotateMode(-3)
	_, err = New(bad, fusion, decoder, backend)
	require.True(t, errors.Is(err, ErrConfiguration))

	_, err = New(testConfig(), nil, decoder, backend)
	require.True(t, errors.Is(err, ErrConfiguration))

	// Decoder is only optional in encoder-only mode.
	_, err = New(testConfig(), fusion, nil, backend)
	require.True(t, errors.Is(err, ErrConfiguration))

	enc := testConfig()
	enc.EncoderOnly = true
	_, err = New(enc, fusion, nil, backend)
	require.NoError(t, err)
}

func TestEncode_FirstFrame(t *testing.T) {
	cfg := testConfig()
	tr, backend := newTestTransformer(t, cfg)

	batch, bevH, bevW := 2, 4, 4
	req := testEncodeRequest(backend, cfg, batch, bevH, bevW)

	bev, err := tr.Encode(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []int{bevH * bevW, batch, cfg.EmbedDims}, bev.Shape())
}

func TestEncode_WithPreviousState(t *testing.T) {
	cfg := testConfig()
	tr, backend := newTestTransformer(t, cfg)

	batch, bevH, bevW := 1, 4, 4
	req := testEncodeRequest(backend, cfg, batch, bevH, bevW)

	first, err := tr.Encode(context.Background(), req)
	require.NoError(t, err)

	// Second frame consumes the first frame's state, sequence-first layout.
	req.PrevBEV = first
	req.CANBus[17] = 15 // rotation angle in degrees
	second, err := tr.Encode(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Shape(), second.Shape())

	// Batch-first layout is accepted and permuted internally.
	req.PrevBEV = first.Permute(1, 0, 2)
	third, err := tr.Encode(context.Background(), req)
	require.NoError(t, err)
	require.InDeltaSlice(t, second.ToHost(), third.ToHost(), 1e-4)
}

func TestEncode_ShapeErrors(t *testing.T) {
	cfg := testConfig()
	tr, backend := newTestTransformer(t, cfg)
	req := testEncodeRequest(backend, cfg, 1, 4, 4)

	short := *req
	short.CANBus = make([]float32, 5)
	_, err := tr.Encode(context.Background(), &short)
	require.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	missing := *req
	missing.MLVLFeats = missing.MLVLFeats[:1]
	_, err = tr.Encode(context.Background(), &missing)
	require.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	wrongGrid := *req
	wrongGrid.BEVH = 5
	_, err = tr.Encode(context.Background(), &wrongGrid)
	require.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestForward_FullPipeline(t *testing.T) {
	cfg := testConfig()
	tr, backend := newTestTransformer(t, cfg)

	batch, bevH, bevW := 2, 4, 4
	queryEmbed := backend.NewTensor([]int{cfg.NumQuery, 2 * cfg.EmbedDims}, nil)
	for i, d := 0, queryEmbed.Data(); i < len(d); i++ {
		d[i] = float32(i%11)*0.1 - 0.5
	}

	res, err := tr.Forward(context.Background(), &ForwardRequest{
		Encode: *testEncodeRequest(backend, cfg, batch, bevH, bevW),
		Decode: DecodeRequest{QueryEmbed: queryEmbed},
	})
	require.NoError(t, err)
	require.Nil(t, res.BEV, "BEV state only returned on request")

	dec := res.Decode
	require.NotNil(t, dec)
	require.Equal(t, []int{3, cfg.NumQuery, batch, cfg.EmbedDims}, dec.States.Shape())
	require.Equal(t, []int{batch, cfg.NumQuery, 3}, dec.InitReference.Shape())
	require.Equal(t, []int{3, batch, cfg.NumQuery, 3}, dec.InterReferences.Shape())

	// Initial reference points are squashed into (0,1).
	for _, v := range dec.InitReference.Data() {
		require.Greater(t, v, float32(0))
		require.Less(t, v, float32(1))
	}
}

func TestForward_ReturnBEVAndEncoderOnly(t *testing.T) {
	cfg := testConfig()
	tr, backend := newTestTransformer(t, cfg)

	queryEmbed := backend.NewTensor([]int{cfg.NumQuery, 2 * cfg.EmbedDims}, nil)
	req := &ForwardRequest{
		Encode:    *testEncodeRequest(backend, cfg, 1, 4, 4),
		Decode:    DecodeRequest{QueryEmbed: queryEmbed},
		ReturnBEV: true,
	}
	res, err := tr.Forward(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.BEV)
	require.NotNil(t, res.Decode)

	cfg.EncoderOnly = true
	enc, err := New(cfg, NewNaiveFusion(backend), nil, backend)
	require.NoError(t, err)
	res, err = enc.Forward(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.BEV)
	require.Nil(t, res.Decode)
}

func TestDecode_RegressionHeadRefinement(t *testing.T) {
	cfg := testConfig()
	tr, backend := newTestTransformer(t, cfg)

	bev, err := tr.Encode(context.Background(), testEncodeRequest(backend, cfg, 1, 4, 4))
	require.NoError(t, err)

	queryEmbed := backend.NewTensor([]int{cfg.NumQuery, 2 * cfg.EmbedDims}, nil)

	// A constant positive head pushes every coordinate toward 1 each layer.
	head := func(state tensor.Tensor) tensor.Tensor {
		s := state.Shape()
		delta := backend.NewTensor([]int{s[0], s[1], 3}, nil)
		for i, d := 0, delta.Data(); i < len(d); i++ {
			d[i] = 0.5
		}
		return delta
	}

	res, err := tr.Decode(context.Background(), bev, &DecodeRequest{
		QueryEmbed:      queryEmbed,
		BEVH:            4,
		BEVW:            4,
		RegressionHeads: []RegressionHead{head, head, head},
	})
	require.NoError(t, err)

	r0 := res.InterReferences.At(0, 0, 0, 0)
	r2 := res.InterReferences.At(2, 0, 0, 0)
	require.Greater(t, r2, r0, "refinement should move references layer by layer")
	require.Less(t, r2, float32(1))
}

func TestInverseSigmoid(t *testing.T) {
	// Round-trip law away from saturation.
	for _, x := range []float64{-4, -1, -0.25, 0, 0.25, 1, 4} {
		s := 1.0 / (1.0 + math.Exp(-x))
		got := float64(InverseSigmoid(float32(s), DefaultEps))
		if math.Abs(got-x) > 1e-3 {
			t.Errorf("InverseSigmoid(sigmoid(%f)) = %f", x, got)
		}
	}

	// Saturated inputs stay finite, bounded by the eps clamp.
	hi := InverseSigmoid(1, DefaultEps)
	lo := InverseSigmoid(0, DefaultEps)
	require.False(t, math.IsInf(float64(hi), 0))
	require.False(t, math.IsInf(float64(lo), 0))
	require.InDelta(t, float64(-hi), float64(lo), 1e-4)

	// Out-of-range inputs clamp rather than blow up.
	require.Equal(t, hi, InverseSigmoid(1.5, DefaultEps))
	require.Equal(t, lo, InverseSigmoid(-0.5, DefaultEps))
}
