package wcs

import (
	"math"
	"testing"

	"refbuild/internal/fitsimg"
)

func testHeader() *fitsimg.Header {
	h := fitsimg.NewHeader()
	h.Set("CTYPE1", "RA---TAN", "")
	h.Set("CTYPE2", "DEC--TAN", "")
	h.Set("CRPIX1", 5000.5, "")
	h.Set("CRPIX2", 5000.5, "")
	h.Set("CRVAL1", 150.0, "")
	h.Set("CRVAL2", -30.0, "")
	h.Set("CD1_1", -0.5642/3600, "")
	h.Set("CD1_2", 0.0, "")
	h.Set("CD2_1", 0.0, "")
	h.Set("CD2_2", 0.5642/3600, "")
	return h
}

func TestRoundTrip(t *testing.T) {
	w, err := FromHeader(testHeader())
	if err != nil {
		t.Fatalf("from header: %v", err)
	}
	for _, p := range [][2]float64{{1, 1}, {5000.5, 5000.5}, {10560, 10560}, {123.25, 9000.75}} {
		ra, dec := w.PixToWorld(p[0], p[1])
		x, y := w.WorldToPix(ra, dec)
		if math.Abs(x-p[0]) > 1e-6 || math.Abs(y-p[1]) > 1e-6 {
			t.Fatalf("round trip %v -> (%v,%v) -> (%v,%v)", p, ra, dec, x, y)
		}
	}
	ra, dec := w.PixToWorld(5000.5, 5000.5)
	if math.Abs(ra-150) > 1e-9 || math.Abs(dec+30) > 1e-9 {
		t.Fatalf("reference pixel should map to CRVAL, got %v %v", ra, dec)
	}
}

func TestCDELTFallback(t *testing.T) {
	h := fitsimg.NewHeader()
	h.Set("CRPIX1", 10.0, "")
	h.Set("CRPIX2", 10.0, "")
	h.Set("CRVAL1", 0.0, "")
	h.Set("CRVAL2", 0.0, "")
	h.Set("CDELT1", -0.001, "")
	h.Set("CDELT2", 0.001, "")
	w, err := FromHeader(h)
	if err != nil {
		t.Fatalf("from header: %v", err)
	}
	ra, dec := w.PixToWorld(11, 11)
	if math.Abs(dec-0.001) > 1e-6 || math.Abs(ra-359.999) > 1e-6 {
		t.Fatalf("unexpected world coords %v %v", ra, dec)
	}
}

func TestMissingWCS(t *testing.T) {
	if _, err := FromHeader(fitsimg.NewHeader()); err == nil {
		t.Fatalf("expected error for empty header")
	}
}

func TestHeaderCoordsSexagesimal(t *testing.T) {
	h := fitsimg.NewHeader()
	h.Set("RA", "10:00:00.0", "")
	h.Set("DEC", "-30:30:00", "")
	ra, dec, err := HeaderCoords(h)
	if err != nil {
		t.Fatalf("header coords: %v", err)
	}
	if math.Abs(ra-150) > 1e-9 || math.Abs(dec+30.5) > 1e-9 {
		t.Fatalf("unexpected coords %v %v", ra, dec)
	}
}

func TestSeparation(t *testing.T) {
	if d := SeparationArcsec(10, 0, 10, 1.0/3600); math.Abs(d-1) > 1e-6 {
		t.Fatalf("expected 1 arcsec, got %v", d)
	}
}

func TestPlaceShiftsOntoGrid(t *testing.T) {
	dst, err := FromHeader(testHeader())
	if err != nil {
		t.Fatalf("from header: %v", err)
	}
	src := fitsimg.New(3, 2)
	src.Header = testHeader()
	// the frame's first pixel sits at dst pixel (11, 21)
	src.Header.Set("CRPIX1", 5000.5-10, "")
	src.Header.Set("CRPIX2", 5000.5-20, "")
	for i := range src.Data {
		src.Data[i] = float64(i + 1)
	}

	out, err := Place(src, dst, 40, 30, 32)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if out.At(10, 20) != 1 || out.At(12, 21) != 6 {
		t.Fatalf("frame not placed at offset: %v %v", out.At(10, 20), out.At(12, 21))
	}
	if out.At(0, 0) != 32 || out.At(13, 20) != 32 {
		t.Fatalf("uncovered pixels should take the fill value")
	}
}
