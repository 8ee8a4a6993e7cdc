// Package psf evaluates PSFEx models and prepares PSF stamps for Fourier
// space work.
package psf

import (
	"errors"
	"fmt"
	"math"

	"refbuild/internal/fitsimg"
	"refbuild/internal/grid"
)

// Model is a PSFEx polynomial PSF: a stack of basis stamps whose weights
// are polynomials in the normalized image position.
type Model struct {
	Degree int
	Zero   [2]float64
	Scale  [2]float64
	Samp   float64 // image pixels per PSF pixel
	FWHM   float64
	Width  int
	Height int
	Basis  [][]float64 // one Width x Height stamp per polynomial term
}

// NumTerms is the number of polynomial terms of a 2-D polynomial of
// degree d.
func NumTerms(d int) int { return (d + 1) * (d + 2) / 2 }

// Read loads the PSF_MASK table written by PSFEx.
func Read(path string) (*Model, error) {
	tbl, err := fitsimg.ReadTable(path, "PSF_MASK")
	if err != nil {
		return nil, err
	}
	h := tbl.Header
	m := &Model{}
	if m.Width, err = h.Int("PSFAXIS1"); err != nil {
		return nil, err
	}
	if m.Height, err = h.Int("PSFAXIS2"); err != nil {
		return nil, err
	}
	nbasis, err := h.Int("PSFAXIS3")
	if err != nil {
		nbasis = 1
	}
	if m.Samp, err = h.Float("PSF_SAMP"); err != nil {
		return nil, err
	}
	m.FWHM = h.FloatOr("PSF_FWHM", 0)
	if nbasis > 1 {
		if m.Degree, err = h.Int("POLDEG1"); err != nil {
			return nil, err
		}
		for i, k := range []string{"1", "2"} {
			if m.Zero[i], err = h.Float("POLZERO" + k); err != nil {
				return nil, err
			}
			if m.Scale[i], err = h.Float("POLSCAL" + k); err != nil {
				return nil, err
			}
		}
	}
	if NumTerms(m.Degree) != nbasis {
		return nil, fmt.Errorf("%s: %d basis stamps for polynomial degree %d", path, nbasis, m.Degree)
	}
	if tbl.Rows < 1 {
		return nil, errors.New(path + ": empty PSF table")
	}
	data, err := tbl.Array("PSF_MASK", 0)
	if err != nil {
		return nil, err
	}
	n := m.Width * m.Height
	if len(data) != n*nbasis {
		return nil, fmt.Errorf("%s: PSF_MASK has %d values, want %d", path, len(data), n*nbasis)
	}
	for k := 0; k < nbasis; k++ {
		m.Basis = append(m.Basis, data[k*n:(k+1)*n])
	}
	return m, nil
}

// Stamp evaluates the model at image pixel (x, y) at PSF sampling. Terms
// run over increasing powers of x within increasing powers of y.
func (m *Model) Stamp(x, y float64) []float64 {
	out := make([]float64, m.Width*m.Height)
	dx, dy := 0.0, 0.0
	if m.Scale[0] != 0 && m.Scale[1] != 0 {
		dx = (x - m.Zero[0]) / m.Scale[0]
		dy = (y - m.Zero[1]) / m.Scale[1]
	}
	k := 0
	for j := 0; j <= m.Degree; j++ {
		for i := 0; i <= m.Degree-j; i++ {
			coef := math.Pow(dx, float64(i)) * math.Pow(dy, float64(j))
			for p, v := range m.Basis[k] {
				out[p] += coef * v
			}
			k++
		}
	}
	return out
}

// Size is the stamp size in image pixels, rounded up to an even number.
func (m *Model) Size() int {
	s := int(math.Ceil(float64(m.Width) * m.Samp))
	if s%2 != 0 {
		s++
	}
	return s
}

// Image evaluates the model at (x, y), resamples it to the image pixel
// scale and normalizes it to unit sum. The result is Size() x Size().
func (m *Model) Image(x, y float64) ([]float64, int, error) {
	stamp := m.Stamp(x, y)
	size := m.Size()
	img := stamp
	if size != m.Width || size != m.Height {
		var err error
		img, err = grid.Zoom(stamp, m.Width, m.Height, size, size)
		if err != nil {
			return nil, 0, err
		}
	}
	if err := Normalize(img); err != nil {
		return nil, 0, err
	}
	return img, size, nil
}

// Normalize scales v to unit sum.
func Normalize(v []float64) error {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	if sum == 0 || math.IsNaN(sum) {
		return errors.New("psf: stamp sums to zero")
	}
	for i := range v {
		v[i] /= sum
	}
	return nil
}

// Pad places a size x size stamp into a width x height buffer with the
// stamp center at pixel (0, 0), wrapping the other pixels around the
// edges. A stamp larger than the buffer would alias onto itself and is
// rejected.
func Pad(stamp []float64, size, width, height int) ([]float64, error) {
	if size > min(width, height) {
		return nil, fmt.Errorf("psf: %dx%d stamp does not fit a %dx%d buffer", size, size, width, height)
	}
	if len(stamp) != size*size {
		return nil, fmt.Errorf("psf: stamp has %d pixels, want %d", len(stamp), size*size)
	}
	out := make([]float64, width*height)
	c := size / 2
	for py := 0; py < size; py++ {
		ty := ((py-c)%height + height) % height
		for px := 0; px < size; px++ {
			tx := ((px-c)%width + width) % width
			out[ty*width+tx] += stamp[py*size+px]
		}
	}
	return out, nil
}
