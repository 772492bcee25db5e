// Package refgrid generates the normalized sampling locations that the
// fusion and decode sequences use to gather features: one 2D point per BEV
// cell, and one 3D point per BEV cell per depth sample along the voxel
// column above it.
package refgrid

import (
	"github.com/roadscene/bevgrid/internal/tensor"
)

// Grid2D returns cell-center reference points for an h x w BEV grid,
// shape [batch, h*w, 1, 2]. Coordinates are ((x+0.5)/w, (y+0.5)/h), row-major
// over (y, x). The singleton axis is the level axis: 2D points sample a
// single-level BEV map.
func Grid2D(b tensor.Backend, h, w, batch int) tensor.Tensor {
	cells := h * w
	plane := make([]float32, cells*2)
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			plane[i] = (float32(x) + 0.5) / float32(w)
			plane[i+1] = (float32(y) + 0.5) / float32(h)
			i += 2
		}
	}

	data := make([]float32, batch*len(plane))
	for bi := 0; bi < batch; bi++ {
		copy(data[bi*len(plane):], plane)
	}
	return b.NewTensor([]int{batch, cells, 1, 2}, data)
}

// Column3D returns voxel-column reference points for an h x w BEV grid with
// depth extent z sampled at d points, shape [batch, d, h*w, 3]. Depth samples
// are evenly spaced over (0.5, z-0.5) and divided by z; each point is
// (x_norm, y_norm, z_norm), depth-major then row-major over cells. Exactly
// d*h*w points per batch element.
func Column3D(b tensor.Backend, h, w, z, d, batch int) tensor.Tensor {
	cells := h * w
	zs := make([]float32, d)
	if d == 1 {
		zs[0] = 0.5 / float32(z)
	} else {
		step := (float32(z) - 1.0) / float32(d-1)
		for i := range zs {
			zs[i] = (0.5 + float32(i)*step) / float32(z)
		}
	}

	block := make([]float32, d*cells*3)
	i := 0
	for di := 0; di < d; di++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				block[i] = (float32(x) + 0.5) / float32(w)
				block[i+1] = (float32(y) + 0.5) / float32(h)
				block[i+2] = zs[di]
				i += 3
			}
		}
	}

	data := make([]float32, batch*len(block))
	for bi := 0; bi < batch; bi++ {
		copy(data[bi*len(block):], block)
	}
	return b.NewTensor([]int{batch, d, cells, 3}, data)
}
