package fitsimg

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHeaderTypedGetters(t *testing.T) {
	h := NewHeader()
	h.Set("object", "00123", "field")
	h.Set("MJD-OBS", 58849.5, "")
	h.Set("NAXIS1", 10, "")
	h.Set("PC-ZP", "23.5", "")
	h.AddComment("first")
	h.AddComment("second")

	if n, err := h.Int("OBJECT"); err != nil || n != 123 {
		t.Fatalf("expected zero-padded object to parse as 123, got %d (%v)", n, err)
	}
	if f, err := h.Float("mjd-obs"); err != nil || f != 58849.5 {
		t.Fatalf("unexpected MJD-OBS %v (%v)", f, err)
	}
	if f, err := h.Float("PC-ZP"); err != nil || f != 23.5 {
		t.Fatalf("numeric string should convert, got %v (%v)", f, err)
	}
	if _, err := h.Float("GAIN"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	if got := h.Comments(); len(got) != 2 {
		t.Fatalf("expected two comments, got %v", got)
	}

	h.Set("OBJECT", "00124", "")
	if len(h.Keys()) != 4 {
		t.Fatalf("replacing a key must not duplicate it: %v", h.Keys())
	}
	h.Delete("NAXIS1")
	if h.Has("NAXIS1") || !h.Has("PC-ZP") {
		t.Fatalf("delete removed the wrong key: %v", h.Keys())
	}
}

func TestWriteReadImageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.fits")
	im := New(4, 3)
	for i := range im.Data {
		im.Data[i] = float64(i) * 0.5
	}
	im.Header.Set("GAIN", 2.0, "e-/ADU")
	im.Header.Set("R-IM1", "ML1_20190101_000000_red", "")
	im.Header.Set("BKG-SUB", true, "")

	if err := WriteImage(path, im); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadImage(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Width != 4 || got.Height != 3 {
		t.Fatalf("unexpected shape %dx%d", got.Width, got.Height)
	}
	for i := range im.Data {
		if math.Abs(got.Data[i]-im.Data[i]) > 1e-6 {
			t.Fatalf("pixel %d: got %v want %v", i, got.Data[i], im.Data[i])
		}
	}
	if g, _ := got.Header.Float("GAIN"); g != 2.0 {
		t.Fatalf("GAIN not preserved: %v", g)
	}
	if s, _ := got.Header.String("R-IM1"); s != "ML1_20190101_000000_red" {
		t.Fatalf("R-IM1 not preserved: %q", s)
	}

	hdr, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if b, err := hdr.Bool("BKG-SUB"); err != nil || !b {
		t.Fatalf("BKG-SUB not preserved: %v (%v)", b, err)
	}
}

func TestWriteMaskRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.fits")
	mask := []uint8{0, 1, 4, 32, 0, 2}
	if err := WriteMask(path, mask, 3, 2, nil); err != nil {
		t.Fatalf("write mask: %v", err)
	}
	im, err := ReadImage(path)
	if err != nil {
		t.Fatalf("read mask: %v", err)
	}
	got := im.Mask()
	for i := range mask {
		if got[i] != mask[i] {
			t.Fatalf("mask pixel %d: got %d want %d", i, got[i], mask[i])
		}
	}
}

func TestResolvePathAndBaseID(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "ML1_20190101_000000_red.fits")
	if err := os.WriteFile(plain+".fz", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, ok := ResolvePath(plain)
	if !ok || p != plain+".fz" {
		t.Fatalf("expected fpacked fallback, got %s %v", p, ok)
	}
	if id := BaseID(p); id != "ML1_20190101_000000_red" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestWriteReadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.fits")
	hdr := NewHeader()
	hdr.Set("POLDEG1", 2, "polynomial degree")
	cols := []Column{{Name: "FLUX_AUTO", Format: "E"}, {Name: "ALPHAWIN_J2000", Format: "D"}, {Name: "VEC", Format: "3E"}}
	rows := [][]any{
		{float32(10), 150.5, []float32{1, 2, 3}},
		{float32(20), 150.6, []float32{4, 5, 6}},
	}
	if err := WriteTable(path, "LDAC_OBJECTS", hdr, cols, rows); err != nil {
		t.Fatalf("write table: %v", err)
	}

	tbl, err := ReadTable(path, "FLUX_AUTO", "ALPHAWIN_J2000", "VEC")
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	if tbl.Rows != 2 {
		t.Fatalf("rows = %d", tbl.Rows)
	}
	flux, err := tbl.Float("FLUX_AUTO")
	if err != nil || flux[1] != 20 {
		t.Fatalf("flux = %v %v", flux, err)
	}
	ra, _ := tbl.Float("ALPHAWIN_J2000")
	if ra[0] != 150.5 {
		t.Fatalf("ra = %v", ra)
	}
	vec, err := tbl.Array("VEC", 1)
	if err != nil || len(vec) != 3 || vec[2] != 6 {
		t.Fatalf("vec = %v %v", vec, err)
	}
	if deg, _ := tbl.Header.Int("POLDEG1"); deg != 2 {
		t.Fatalf("POLDEG1 = %d", deg)
	}
	if _, err := ReadTable(path, "MISSING"); err == nil {
		t.Fatalf("expected error for missing column")
	}
}

func TestHeadText(t *testing.T) {
	h := NewHeader()
	h.Set("NAXIS1", 10, "")
	h.Set("CTYPE1", "RA---TAN", "projection")
	h.Set("CRVAL1", 150.25, "")
	h.Set("WCSAXES", 2, "")
	text := h.HeadText("WCSAXES")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	for _, l := range lines {
		if len(l) != 80 {
			t.Fatalf("card %q is %d characters", l, len(l))
		}
	}
	if !strings.HasPrefix(lines[0], "CTYPE1  = 'RA---TAN'") || !strings.Contains(lines[0], "/ projection") {
		t.Fatalf("card = %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], "END") {
		t.Fatalf("last card = %q", lines[2])
	}
}
