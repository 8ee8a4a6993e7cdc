// Package grid resamples 2-D frames with separable spline interpolation.
package grid

import (
	"fmt"

	"gonum.org/v1/gonum/interp"
)

func predictor(order, n int) interp.FittablePredictor {
	if order >= 2 && n >= 3 {
		return &interp.NaturalCubic{}
	}
	return &interp.PiecewiseLinear{}
}

// resample1D evaluates the spline through (xs, ys) at targets, holding the
// end values outside [xs[0], xs[n-1]].
func resample1D(xs, ys, targets []float64, order int, dst []float64) error {
	if len(xs) == 1 {
		for i := range targets {
			dst[i] = ys[0]
		}
		return nil
	}
	p := predictor(order, len(xs))
	if err := p.Fit(xs, ys); err != nil {
		return err
	}
	lo, hi := xs[0], xs[len(xs)-1]
	for i, x := range targets {
		switch {
		case x <= lo:
			dst[i] = ys[0]
		case x >= hi:
			dst[i] = ys[len(ys)-1]
		default:
			dst[i] = p.Predict(x)
		}
	}
	return nil
}

// Resample maps a srcW x srcH frame onto outW x outH. nodesX/nodesY give the
// output-pixel coordinate of every source column/row; targetsX/targetsY the
// coordinates to evaluate.
func Resample(src []float64, srcW, srcH int, nodesX, nodesY, targetsX, targetsY []float64, order int) ([]float64, error) {
	if len(src) != srcW*srcH {
		return nil, fmt.Errorf("grid: source size %d does not match %dx%d", len(src), srcW, srcH)
	}
	if len(nodesX) != srcW || len(nodesY) != srcH {
		return nil, fmt.Errorf("grid: node counts %d/%d do not match %dx%d", len(nodesX), len(nodesY), srcW, srcH)
	}
	outW, outH := len(targetsX), len(targetsY)

	// rows first
	tmp := make([]float64, srcH*outW)
	for y := 0; y < srcH; y++ {
		if err := resample1D(nodesX, src[y*srcW:(y+1)*srcW], targetsX, order, tmp[y*outW:(y+1)*outW]); err != nil {
			return nil, err
		}
	}

	out := make([]float64, outW*outH)
	col := make([]float64, srcH)
	res := make([]float64, outH)
	for x := 0; x < outW; x++ {
		for y := 0; y < srcH; y++ {
			col[y] = tmp[y*outW+x]
		}
		if err := resample1D(nodesY, col, targetsY, order, res); err != nil {
			return nil, err
		}
		for y := 0; y < outH; y++ {
			out[y*outW+x] = res[y]
		}
	}
	return out, nil
}

// MiniToFull expands a background mini-map whose pixel i covers full-frame
// pixels [i*box, (i+1)*box) to a width x height frame. Node i sits at the
// centre of its box.
func MiniToFull(mini []float64, miniW, miniH, box, width, height, order int) ([]float64, error) {
	if box < 1 {
		return nil, fmt.Errorf("grid: invalid box size %d", box)
	}
	return Resample(mini, miniW, miniH,
		boxCentres(miniW, box), boxCentres(miniH, box),
		pixelIndex(width), pixelIndex(height), order)
}

// Zoom rescales a w x h frame to outW x outH with cubic interpolation, the
// corner pixels of input and output coinciding.
func Zoom(src []float64, w, h, outW, outH int) ([]float64, error) {
	return Resample(src, w, h, endAligned(w, outW), endAligned(h, outH), pixelIndex(outW), pixelIndex(outH), 3)
}

func boxCentres(n, box int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = (float64(i)+0.5)*float64(box) - 0.5
	}
	return out
}

func pixelIndex(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func endAligned(n, outN int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		return out
	}
	scale := float64(outN-1) / float64(n-1)
	for i := range out {
		out[i] = float64(i) * scale
	}
	return out
}
