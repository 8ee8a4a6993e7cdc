package grid

import (
	"math"
	"testing"
)

func TestMiniToFullConstant(t *testing.T) {
	mini := []float64{5, 5, 5, 5, 5, 5}
	for _, order := range []int{1, 2} {
		full, err := MiniToFull(mini, 3, 2, 4, 12, 8, order)
		if err != nil {
			t.Fatalf("order %d: %v", order, err)
		}
		for i, v := range full {
			if math.Abs(v-5) > 1e-12 {
				t.Fatalf("order %d pixel %d: got %v", order, i, v)
			}
		}
	}
}

func TestMiniToFullLinearGradient(t *testing.T) {
	// x-gradient of 1 per box, box centres at 1.5, 5.5, 9.5
	mini := []float64{0, 1, 2}
	full, err := MiniToFull(mini, 3, 1, 4, 12, 2, 1)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if full[0] != 0 || full[11] != 2 {
		t.Fatalf("edges should hold the end values, got %v %v", full[0], full[11])
	}
	if math.Abs(full[3]-0.375) > 1e-12 {
		t.Fatalf("unexpected interpolated value %v", full[3])
	}
	if full[12+5] != full[5] {
		t.Fatalf("rows should be identical")
	}
}

func TestZoomPreservesCorners(t *testing.T) {
	src := []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}
	out, err := Zoom(src, 3, 3, 5, 5)
	if err != nil {
		t.Fatalf("zoom: %v", err)
	}
	if out[0] != 1 || out[4] != 3 || out[20] != 7 || out[24] != 9 {
		t.Fatalf("corners not preserved: %v", out)
	}
	if math.Abs(out[12]-5) > 1e-9 {
		t.Fatalf("centre should stay 5, got %v", out[12])
	}
}

func TestResampleRejectsBadSizes(t *testing.T) {
	if _, err := Resample([]float64{1, 2}, 3, 1, []float64{0, 1, 2}, []float64{0}, []float64{0}, []float64{0}, 1); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}
