package refgrid

import (
	"math"
	"testing"

	"github.com/roadscene/bevgrid/internal/tensor"
)

func TestGrid2D(t *testing.T) {
	backend := tensor.NewCPUBackend()

	ref := Grid2D(backend, 3, 5, 2)
	s := ref.Shape()
	if s[0] != 2 || s[1] != 15 || s[2] != 1 || s[3] != 2 {
		t.Fatalf("Grid2D shape = %v, want [2 15 1 2]", s)
	}

	// All coordinates strictly inside (0, 1).
	for _, v := range ref.Data() {
		if v <= 0 || v >= 1 {
			t.Fatalf("coordinate %f outside (0,1)", v)
		}
	}

	// Cell (y=0, x=0) of a 3x5 grid sits at (0.5/5, 0.5/3).
	if got := ref.At(0, 0, 0, 0); math.Abs(float64(got)-0.1) > 1e-6 {
		t.Errorf("x(0,0) = %f, want 0.1", got)
	}
	if got := ref.At(0, 0, 0, 1); math.Abs(float64(got)-0.5/3) > 1e-6 {
		t.Errorf("y(0,0) = %f, want %f", got, 0.5/3)
	}

	// Both batch elements carry identical points.
	if ref.At(0, 7, 0, 0) != ref.At(1, 7, 0, 0) {
		t.Error("batch broadcast mismatch")
	}
}

func TestColumn3D(t *testing.T) {
	backend := tensor.NewCPUBackend()

	// H=W=2, Z=8, D=1: 4 points, all with z = 0.5/8 = 0.0625,
	// (x, y) in {0.25, 0.75}^2.
	ref := Column3D(backend, 2, 2, 8, 1, 1)
	s := ref.Shape()
	if s[0] != 1 || s[1] != 1 || s[2] != 4 || s[3] != 3 {
		t.Fatalf("Column3D shape = %v, want [1 1 4 3]", s)
	}

	want := [][3]float32{
		{0.25, 0.25, 0.0625},
		{0.75, 0.25, 0.0625},
		{0.25, 0.75, 0.0625},
		{0.75, 0.75, 0.0625},
	}
	for i, p := range want {
		for k := 0; k < 3; k++ {
			if got := ref.At(0, 0, i, k); math.Abs(float64(got-p[k])) > 1e-6 {
				t.Errorf("point %d coord %d = %f, want %f", i, k, got, p[k])
			}
		}
	}
}

func TestColumn3D_DepthMajor(t *testing.T) {
	backend := tensor.NewCPUBackend()

	h, w, z, d := 3, 4, 8, 4
	ref := Column3D(backend, h, w, z, d, 2)
	s := ref.Shape()
	if s[1] != d || s[2] != h*w {
		t.Fatalf("Column3D shape = %v", s)
	}

	// Depth samples span (0.5, z-0.5)/z: first 0.5/8, last 7.5/8.
	if got := ref.At(0, 0, 0, 2); math.Abs(float64(got)-0.0625) > 1e-6 {
		t.Errorf("first depth = %f, want 0.0625", got)
	}
	if got := ref.At(0, d-1, 0, 2); math.Abs(float64(got)-0.9375) > 1e-6 {
		t.Errorf("last depth = %f, want 0.9375", got)
	}

	// Within one depth slab, z is constant and all points lie in (0,1).
	for di := 0; di < d; di++ {
		z0 := ref.At(0, di, 0, 2)
		for c := 0; c < h*w; c++ {
			if ref.At(0, di, c, 2) != z0 {
				t.Fatalf("depth %d not constant across cells", di)
			}
		}
	}
	for _, v := range ref.Data() {
		if v <= 0 || v >= 1 {
			t.Fatalf("coordinate %f outside (0,1)", v)
		}
	}
}

func TestGrid2D_MatchesColumn3DCrossSection(t *testing.T) {
	backend := tensor.NewCPUBackend()

	h, w := 4, 6
	r2 := Grid2D(backend, h, w, 1)
	r3 := Column3D(backend, h, w, 8, 2, 1)

	// The 2D generator equals the z-independent (x, y) cross-section of the
	// 3D generator at any depth.
	for c := 0; c < h*w; c++ {
		for k := 0; k < 2; k++ {
			if r2.At(0, c, 0, k) != r3.At(0, 0, c, k) {
				t.Fatalf("2D/3D cross-section mismatch at cell %d coord %d", c, k)
			}
			if r2.At(0, c, 0, k) != r3.At(0, 1, c, k) {
				t.Fatalf("2D/3D cross-section mismatch at depth 1, cell %d", c)
			}
		}
	}
}
