// Package egomotion aligns the temporal BEV state against the vehicle's own
// movement between frames: a grid-space shift derived from the ego
// displacement and heading, and a rigid rotation of the previous BEV state
// into the current ego frame.
package egomotion

import (
	"errors"
	"fmt"
	"math"

	"github.com/roadscene/bevgrid/internal/simd"
	"github.com/roadscene/bevgrid/internal/tensor"
)

// CANBusLen is the length of the raw ego-motion feature vector supplied by
// the metadata source per batch element.
const CANBusLen = 18

// ErrUnknownMode reports an unsupported shift or rotate mode value.
var ErrUnknownMode = errors.New("egomotion: unknown mode")

// ShiftMode selects the grid-shift convention.
type ShiftMode int

const (
	ShiftOff ShiftMode = iota
	ShiftStandard
	// ShiftAlternate is the axis-swapped convention: sin feeds shiftY and
	// cos feeds shiftX. The sign assignments of both conventions are a
	// pinned behavioral contract validated against reference outputs.
	ShiftAlternate
)

func (m ShiftMode) String() string {
	switch m {
	case ShiftOff:
		return "off"
	case ShiftStandard:
		return "standard"
	case ShiftAlternate:
		return "alternate"
	}
	return fmt.Sprintf("ShiftMode(%d)", int(m))
}

// Valid reports whether m is one of the defined modes.
func (m ShiftMode) Valid() bool {
	return m >= ShiftOff && m <= ShiftAlternate
}

// RotateMode selects how the previous BEV state is re-projected.
type RotateMode int

const (
	RotateOff RotateMode = iota
	// RotateCenter rotates about the grid center.
	RotateCenter
	// RotateAnchor rotates about the fixed pixel anchor (70, 150).
	RotateAnchor
)

// Fixed rotation anchor used by RotateAnchor, in (x, y) grid coordinates.
const (
	AnchorX = 70
	AnchorY = 150
)

func (m RotateMode) String() string {
	switch m {
	case RotateOff:
		return "off"
	case RotateCenter:
		return "center"
	case RotateAnchor:
		return "anchor"
	}
	return fmt.Sprintf("RotateMode(%d)", int(m))
}

// Valid reports whether m is one of the defined modes.
func (m RotateMode) Valid() bool {
	return m >= RotateOff && m <= RotateAnchor
}

// Record is the per-frame ego-motion input, extracted from the fixed slots
// of the raw CAN-bus vector.
type Record struct {
	DeltaX           float64
	DeltaY           float64
	EgoHeadingDeg    float64
	RotationAngleDeg float64

	// Raw is the full 18-length feature vector; the encode orchestrator
	// projects it into the BEV embedding space.
	Raw []float32
}

// ParseCANBus extracts the ego-motion record from a raw CAN-bus vector.
// Slots: [0]=delta_x, [1]=delta_y, [16]=ego heading (radians),
// [17]=rotation angle (degrees).
func ParseCANBus(raw []float32) (Record, error) {
	if len(raw) != CANBusLen {
		return Record{}, fmt.Errorf("egomotion: CAN bus length %d, want %d: %w",
			len(raw), CANBusLen, tensor.ErrShapeMismatch)
	}
	return Record{
		DeltaX:           float64(raw[0]),
		DeltaY:           float64(raw[1]),
		EgoHeadingDeg:    float64(raw[16]) / math.Pi * 180,
		RotationAngleDeg: float64(raw[17]),
		Raw:              raw,
	}, nil
}

// ComputeShift returns how far the ego frame moved since the previous frame,
// in BEV grid-cell units. gridLenX/gridLenY are the metric extents of one
// grid cell.
func ComputeShift(rec Record, gridLenX, gridLenY float64, h, w int, mode ShiftMode) (shiftX, shiftY float64, err error) {
	if !mode.Valid() {
		return 0, 0, fmt.Errorf("%w: shift %d", ErrUnknownMode, int(mode))
	}
	if mode == ShiftOff {
		return 0, 0, nil
	}

	length := math.Hypot(rec.DeltaX, rec.DeltaY)
	translationAngle := math.Atan2(rec.DeltaY, rec.DeltaX) / math.Pi * 180
	if translationAngle < 0 {
		translationAngle += 360
	}
	bevAngle := (rec.EgoHeadingDeg - translationAngle) / 180 * math.Pi

	switch mode {
	case ShiftStandard:
		shiftX = length * math.Sin(bevAngle) / gridLenX / float64(w)
		shiftY = length * math.Cos(bevAngle) / gridLenY / float64(h)
	case ShiftAlternate:
		shiftY = length * math.Sin(bevAngle) / gridLenY / float64(h)
		shiftX = length * math.Cos(bevAngle) / gridLenX / float64(w)
	}
	return shiftX, shiftY, nil
}

// AlignPrevious re-projects a previous BEV state of shape [h*w, batch, e]
// into the current ego frame by rotating it rigidly by angleDeg about the
// mode's rotation center. Positive angles rotate the grid content clockwise
// when viewed with +y pointing down. Sampling is bilinear with zero fill
// outside the grid. A nil state or RotateOff is a no-op.
func AlignPrevious(b tensor.Backend, prev tensor.Tensor, h, w int, angleDeg float64, mode RotateMode) (tensor.Tensor, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: rotate %d", ErrUnknownMode, int(mode))
	}
	if prev == nil || mode == RotateOff {
		return prev, nil
	}

	s := prev.Shape()
	if len(s) != 3 || s[0] != h*w {
		return nil, fmt.Errorf("egomotion: previous state shape %v does not match %dx%d grid: %w",
			s, h, w, tensor.ErrShapeMismatch)
	}
	batch, e := s[1], s[2]

	var cx, cy float64
	switch mode {
	case RotateCenter:
		cx = float64(w-1) / 2
		cy = float64(h-1) / 2
	case RotateAnchor:
		cx = AnchorX
		cy = AnchorY
	}

	theta := angleDeg / 180 * math.Pi
	cos := math.Cos(theta)
	sin := math.Sin(theta)

	src := prev.Data()
	out := b.NewTensor([]int{h * w, batch, e}, nil)
	dst := out.Data()
	rowLen := batch * e

	for yo := 0; yo < h; yo++ {
		for xo := 0; xo < w; xo++ {
			// Inverse map: where in the source does this output cell read from.
			xs := cos*(float64(xo)-cx) + sin*(float64(yo)-cy) + cx
			ys := -sin*(float64(xo)-cx) + cos*(float64(yo)-cy) + cy

			x0 := int(math.Floor(xs))
			y0 := int(math.Floor(ys))
			fx := float32(xs - float64(x0))
			fy := float32(ys - float64(y0))

			dstRow := dst[(yo*w+xo)*rowLen : (yo*w+xo+1)*rowLen]
			accumulate(dstRow, src, x0, y0, w, h, rowLen, (1-fx)*(1-fy))
			accumulate(dstRow, src, x0+1, y0, w, h, rowLen, fx*(1-fy))
			accumulate(dstRow, src, x0, y0+1, w, h, rowLen, (1-fx)*fy)
			accumulate(dstRow, src, x0+1, y0+1, w, h, rowLen, fx*fy)
		}
	}
	return out, nil
}

// accumulate adds weight * source-cell into dst, treating out-of-bounds
// cells as zero.
func accumulate(dst, src []float32, x, y, w, h, rowLen int, weight float32) {
	if weight == 0 || x < 0 || x >= w || y < 0 || y >= h {
		return
	}
	row := src[(y*w+x)*rowLen : (y*w+x+1)*rowLen]
	simd.VecAddScaled(dst, row, weight)
}
