package psf

import (
	"math"
	"path/filepath"
	"testing"

	"refbuild/internal/fitsimg"
)

func writeModel(t *testing.T, samp float64) string {
	t.Helper()
	const w = 5
	basis := make([]float32, 3*w*w)
	basis[12] = 1 // constant term: delta at the center
	for i := 0; i < w*w; i++ {
		basis[w*w+i] = 0.5 // x term
	}
	basis[2*w*w+12] = 2 // y term
	h := fitsimg.NewHeader()
	h.Set("POLNAXIS", 2, "")
	h.Set("POLZERO1", 500.0, "")
	h.Set("POLSCAL1", 100.0, "")
	h.Set("POLZERO2", 400.0, "")
	h.Set("POLSCAL2", 200.0, "")
	h.Set("POLDEG1", 1, "")
	h.Set("PSF_FWHM", 2.5, "")
	h.Set("PSF_SAMP", samp, "")
	h.Set("PSFAXIS1", w, "")
	h.Set("PSFAXIS2", w, "")
	h.Set("PSFAXIS3", 3, "")
	path := filepath.Join(t.TempDir(), "im_psf.fits")
	cols := []fitsimg.Column{{Name: "PSF_MASK", Format: "75E"}}
	if err := fitsimg.WriteTable(path, "PSF_DATA", h, cols, [][]any{{basis}}); err != nil {
		t.Fatalf("write psf: %v", err)
	}
	return path
}

func TestReadAndEvaluate(t *testing.T) {
	m, err := Read(writeModel(t, 1))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Degree != 1 || len(m.Basis) != 3 || m.Width != 5 || m.FWHM != 2.5 {
		t.Fatalf("model = %+v", m)
	}

	// at the polynomial zero only the constant term contributes
	s := m.Stamp(500, 400)
	if s[12] != 1 || s[0] != 0 {
		t.Fatalf("stamp at zero point = %v", s)
	}
	// dx = 1, dy = 0.5
	s = m.Stamp(600, 500)
	if math.Abs(s[0]-0.5) > 1e-9 || math.Abs(s[12]-(1+0.5+1)) > 1e-9 {
		t.Fatalf("stamp at (600,500) = %v", s)
	}
}

func TestImageIsEvenAndNormalized(t *testing.T) {
	m, err := Read(writeModel(t, 1.5))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	img, size, err := m.Image(500, 400)
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if size != 8 || len(img) != 64 {
		t.Fatalf("size = %d, len = %d", size, len(img))
	}
	sum := 0.0
	for _, v := range img {
		sum += v
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("sum = %v", sum)
	}
}

func TestPadMovesCenterToOrigin(t *testing.T) {
	stamp := make([]float64, 16)
	stamp[2*4+2] = 1 // center of an even 4x4 stamp
	stamp[2*4+1] = 0.5
	out, err := Pad(stamp, 4, 8, 8)
	if err != nil {
		t.Fatalf("pad: %v", err)
	}
	if out[0] != 1 {
		t.Fatalf("center not at origin: %v", out[:8])
	}
	if out[7] != 0.5 {
		t.Fatalf("left neighbour should wrap to the last column: %v", out[:8])
	}
}

func TestPadRejectsOversizedStamp(t *testing.T) {
	if _, err := Pad(make([]float64, 100), 10, 8, 16); err == nil {
		t.Fatalf("expected error for a stamp wider than the buffer")
	}
	if _, err := Pad(make([]float64, 64), 8, 8, 8); err != nil {
		t.Fatalf("stamp filling the buffer: %v", err)
	}
}

func TestNumTerms(t *testing.T) {
	for d, want := range map[int]int{0: 1, 1: 3, 2: 6, 3: 10} {
		if got := NumTerms(d); got != want {
			t.Fatalf("NumTerms(%d) = %d, want %d", d, got, want)
		}
	}
}
