package coadd

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2 transforms width x height row-major planes. A plan is not safe for
// concurrent use; every tile worker owns one.
type fft2 struct {
	width, height int
	rows, cols    *fourier.CmplxFFT
	line, out     []complex128
}

func newFFT2(width, height int) *fft2 {
	n := max(width, height)
	return &fft2{
		width:  width,
		height: height,
		rows:   fourier.NewCmplxFFT(width),
		cols:   fourier.NewCmplxFFT(height),
		line:   make([]complex128, n),
		out:    make([]complex128, n),
	}
}

// forward replaces data by its unnormalized 2-D DFT.
func (f *fft2) forward(data []complex128) {
	w, h := f.width, f.height
	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		copy(row, f.rows.Coefficients(f.out[:w], row))
	}
	col := f.line[:h]
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = data[y*w+x]
		}
		res := f.cols.Coefficients(f.out[:h], col)
		for y := 0; y < h; y++ {
			data[y*w+x] = res[y]
		}
	}
}

// inverse replaces data by its inverse 2-D DFT, normalized so that
// inverse(forward(x)) == x.
func (f *fft2) inverse(data []complex128) {
	for i, v := range data {
		data[i] = cmplx.Conj(v)
	}
	f.forward(data)
	n := complex(float64(len(data)), 0)
	for i, v := range data {
		data[i] = cmplx.Conj(v) / n
	}
}

func toComplex(v []float64) []complex128 {
	out := make([]complex128, len(v))
	for i, x := range v {
		out[i] = complex(x, 0)
	}
	return out
}

// fftshift moves the zero-frequency element to the middle of the plane.
func fftshift(v []float64, width, height int) []float64 {
	out := make([]float64, len(v))
	for y := 0; y < height; y++ {
		ty := (y + height/2) % height
		for x := 0; x < width; x++ {
			tx := (x + width/2) % width
			out[ty*width+tx] = v[y*width+x]
		}
	}
	return out
}
