// Package transformer orchestrates the BEV (bird's-eye-view) feature-fusion
// pipeline: per-cell reference points, ego-motion-compensated temporal
// alignment, camera-feature flattening, and the encode -> decode control
// flow. The attention sequences themselves are injected collaborators.
package transformer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/roadscene/bevgrid/internal/egomotion"
	"github.com/roadscene/bevgrid/internal/tensor"
)

// ErrConfiguration reports an invalid construction-time option.
var ErrConfiguration = errors.New("transformer: invalid configuration")

// Config holds the construction-time options of the BEV transformer. Each
// field toggles one documented behavior of the pipeline.
type Config struct {
	NumFeatureLevels int
	NumCams          int
	NumQuery         int

	// Z is the metric extent of the voxel column above each BEV cell; D is
	// the number of depth samples taken along it.
	Z int
	D int

	EmbedDims int

	RotatePrevBEV egomotion.RotateMode
	UseShift      egomotion.ShiftMode
	UseCANBus     bool
	CANBusNorm    bool
	UseCamsEmbeds bool

	// EncoderOnly skips query decoding; Forward returns the fused BEV state
	// alone.
	EncoderOnly bool
}

// DefaultConfig mirrors the customary multi-camera detection setup.
func DefaultConfig() Config {
	return Config{
		NumFeatureLevels: 4,
		NumCams:          6,
		NumQuery:         900,
		Z:                8,
		D:                4,
		EmbedDims:        256,
		RotatePrevBEV:    egomotion.RotateCenter,
		UseShift:         egomotion.ShiftStandard,
		UseCANBus:        true,
		CANBusNorm:       true,
		UseCamsEmbeds:    true,
	}
}

func (c Config) validate() error {
	if c.NumFeatureLevels <= 0 || c.NumCams <= 0 || c.NumQuery <= 0 {
		return fmt.Errorf("%w: levels/cams/queries must be positive", ErrConfiguration)
	}
	if c.Z <= 0 || c.D <= 0 {
		return fmt.Errorf("%w: Z and D must be positive", ErrConfiguration)
	}
	if c.EmbedDims <= 0 || c.EmbedDims%2 != 0 {
		return fmt.Errorf("%w: embed dims must be positive and even", ErrConfiguration)
	}
	if !c.UseShift.Valid() {
		return fmt.Errorf("%w: unsupported shift mode %d", ErrConfiguration, int(c.UseShift))
	}
	if !c.RotatePrevBEV.Valid() {
		return fmt.Errorf("%w: unsupported rotate mode %d", ErrConfiguration, int(c.RotatePrevBEV))
	}
	return nil
}

// Transformer fuses multi-camera multi-level image features into a BEV grid
// and decodes object queries against it. All learned parameter tables are
// read-only during a forward pass.
type Transformer struct {
	cfg     Config
	backend tensor.Backend

	fusion  FusionSequence
	decoder DecodeSequence

	// Learned parameter tables. Row counts are fixed at construction.
	levelEmbeds tensor.Tensor // [levels, e]
	camsEmbeds  tensor.Tensor // [cams, e]

	// Reference-point projection: positional query -> 3 channels.
	refWeight tensor.Tensor // [e, 3]
	refBias   tensor.Tensor // [3]

	// CAN-bus projection: 18 -> e/2 -> e, ReLU after each layer, optional
	// LayerNorm on top.
	canW1    tensor.Tensor // [18, e/2]
	canB1    tensor.Tensor // [e/2]
	canW2    tensor.Tensor // [e/2, e]
	canB2    tensor.Tensor // [e]
	canGamma tensor.Tensor // [e], nil unless CANBusNorm
	canBeta  tensor.Tensor // [e], nil unless CANBusNorm

	scratch tensor.Tensor // receiver for fused Linear calls
}

// New builds a Transformer. fusion must be non-nil; decoder may be nil only
// in encoder-only mode.
func New(cfg Config, fusion FusionSequence, decoder DecodeSequence, backend tensor.Backend) (*Transformer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if fusion == nil {
		return nil, fmt.Errorf("%w: fusion sequence is required", ErrConfiguration)
	}
	if decoder == nil && !cfg.EncoderOnly {
		return nil, fmt.Errorf("%w: decode sequence is required unless encoder-only", ErrConfiguration)
	}

	e := cfg.EmbedDims
	t := &Transformer{
		cfg:     cfg,
		backend: backend,
		fusion:  fusion,
		decoder: decoder,

		levelEmbeds: backend.NewTensor([]int{cfg.NumFeatureLevels, e}, nil),
		camsEmbeds:  backend.NewTensor([]int{cfg.NumCams, e}, nil),
		refWeight:   backend.NewTensor([]int{e, 3}, nil),
		refBias:     backend.NewTensor([]int{3}, nil),
		canW1:       backend.NewTensor([]int{egomotion.CANBusLen, e / 2}, nil),
		canB1:       backend.NewTensor([]int{e / 2}, nil),
		canW2:       backend.NewTensor([]int{e / 2, e}, nil),
		canB2:       backend.NewTensor([]int{e}, nil),
		scratch:     backend.NewTensor([]int{1}, nil),
	}
	if cfg.CANBusNorm {
		t.canGamma = backend.NewTensor([]int{e}, nil)
		ones := t.canGamma.Data()
		for i := range ones {
			ones[i] = 1
		}
		t.canBeta = backend.NewTensor([]int{e}, nil)
	}
	t.initWeights()
	return t, nil
}

// Config returns the construction-time configuration.
func (t *Transformer) Config() Config {
	return t.cfg
}

// LevelEmbeds exposes the level embedding table (e.g. for weight loading).
func (t *Transformer) LevelEmbeds() tensor.Tensor { return t.levelEmbeds }

// CamsEmbeds exposes the camera embedding table.
func (t *Transformer) CamsEmbeds() tensor.Tensor { return t.camsEmbeds }

// initWeights applies Xavier initialization to the parameter tables as a
// sensible default; a training procedure overwrites them externally.
func (t *Transformer) initWeights() {
	xavierInit(t.levelEmbeds)
	xavierInit(t.camsEmbeds)
	xavierInit(t.refWeight)
	xavierInit(t.canW1)
	xavierInit(t.canW2)
}

// xavierInit fills a 2-D table with Xavier/Glorot uniform values.
func xavierInit(m tensor.Tensor) {
	s := m.Shape()
	limit := math.Sqrt(6.0 / float64(s[0]+s[1]))

	data := make([]float32, m.Size())
	for i := range data {
		data[i] = float32((rand.Float64()*2 - 1) * limit)
	}
	m.CopyFromFloat32(data)
}

// canBusEmbed projects the raw 18-length ego-motion vector into the BEV
// embedding space.
func (t *Transformer) canBusEmbed(raw []float32) tensor.Tensor {
	in := t.backend.NewTensor([]int{1, egomotion.CANBusLen}, raw)

	hidden := t.scratch.Linear(in, t.canW1, t.canB1)
	hidden.Relu()
	out := t.scratch.Linear(hidden, t.canW2, t.canB2)
	out.Relu()

	if t.cfg.CANBusNorm {
		out.LayerNorm(t.canGamma, t.canBeta, 1e-5)
	}
	return out.Reshape(t.cfg.EmbedDims)
}

// broadcastCells repeats a [cells, e] table across the batch axis,
// producing [cells, batch, e].
func broadcastCells(b tensor.Backend, src tensor.Tensor, batch int) tensor.Tensor {
	s := src.Shape()
	cells, e := s[0], s[1]
	out := b.NewTensor([]int{cells, batch, e}, nil)

	in := src.Data()
	dst := out.Data()
	for c := 0; c < cells; c++ {
		row := in[c*e : (c+1)*e]
		for bi := 0; bi < batch; bi++ {
			copy(dst[(c*batch+bi)*e:], row)
		}
	}
	return out
}
