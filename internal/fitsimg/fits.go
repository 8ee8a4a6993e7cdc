// Package fitsimg reads and writes the 2-D FITS images, masks and headers
// handled by the reference builder.
package fitsimg

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
)

// Image is a 2-D frame stored row-major; Data[y*Width+x] is FITS pixel
// (x+1, y+1).
type Image struct {
	Width  int
	Height int
	Data   []float64
	Header *Header
}

// New allocates a zero image with an empty header.
func New(width, height int) *Image {
	return &Image{Width: width, Height: height, Data: make([]float64, width*height), Header: NewHeader()}
}

// At returns the pixel at zero-based (x, y).
func (im *Image) At(x, y int) float64 {
	return im.Data[y*im.Width+x]
}

// Set stores v at zero-based (x, y).
func (im *Image) Set(x, y int, v float64) {
	im.Data[y*im.Width+x] = v
}

// Mask converts the pixel values to unsigned 8-bit mask values, rounding to
// the nearest integer.
func (im *Image) Mask() []uint8 {
	out := make([]uint8, len(im.Data))
	for i, v := range im.Data {
		switch {
		case math.IsNaN(v) || v <= 0:
			out[i] = 0
		case v >= 255:
			out[i] = 255
		default:
			out[i] = uint8(v + 0.5)
		}
	}
	return out
}

// structural keys are regenerated by the writer.
var structural = map[string]struct{}{
	"SIMPLE": {}, "BITPIX": {}, "NAXIS": {}, "NAXIS1": {}, "NAXIS2": {}, "NAXIS3": {},
	"EXTEND": {}, "BZERO": {}, "BSCALE": {}, "PCOUNT": {}, "GCOUNT": {}, "XTENSION": {}, "END": {},
}

// ResolvePath returns path when it exists, otherwise path+".fz" when that
// exists. ok is false when neither does.
func ResolvePath(path string) (string, bool) {
	for _, p := range []string{path, path + ".fz"} {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return path, false
}

// Exists reports whether path or its fpacked variant exists.
func Exists(path string) bool {
	_, ok := ResolvePath(path)
	return ok
}

// BaseID returns the exposure identifier of a file: its base name with
// everything from ".fits" onwards removed.
func BaseID(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, ".fits"); i >= 0 {
		return base[:i]
	}
	return base
}

func openFITS(path string) (*os.File, *fitsio.File, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := fitsio.Open(r)
	if err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("open fits %s: %w", path, err)
	}
	return r, f, nil
}

func convertHeader(src *fitsio.Header) *Header {
	h := NewHeader()
	for i := range src.Keys() {
		card := src.Card(i)
		key := normKey(card.Name)
		if isCommentary(key) {
			if key == "COMMENT" {
				h.AddComment(card.Comment)
			}
			continue
		}
		h.Set(key, card.Value, card.Comment)
	}
	return h
}

// ReadHeader returns the header of the last HDU in the file, which for
// tile-compressed files is the compressed image extension.
func ReadHeader(path string) (*Header, error) {
	r, f, err := openFITS(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	defer f.Close()

	hdus := f.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("%s: no HDUs", path)
	}
	return convertHeader(hdus[len(hdus)-1].Header()), nil
}

// ReadImage reads the first 2-D image HDU of path.
func ReadImage(path string) (*Image, error) {
	r, f, err := openFITS(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	defer f.Close()

	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			if hdu.Header().Get("ZIMAGE") != nil {
				return nil, fmt.Errorf("%s: tile-compressed images must be funpacked first", path)
			}
			continue
		}
		axes := hdu.Header().Axes()
		if len(axes) != 2 {
			continue
		}
		data, err := readPixels(img)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		hdr := convertHeader(hdu.Header())
		scale := hdr.FloatOr("BSCALE", 1)
		zero := hdr.FloatOr("BZERO", 0)
		if scale != 1 || zero != 0 {
			for i := range data {
				data[i] = data[i]*scale + zero
			}
		}
		return &Image{Width: axes[0], Height: axes[1], Data: data, Header: hdr}, nil
	}
	return nil, fmt.Errorf("%s: no 2-D image HDU", path)
}

func readPixels(img fitsio.Image) ([]float64, error) {
	switch bitpix := img.Header().Bitpix(); bitpix {
	case 8:
		var raw []uint8
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		return widen(raw), nil
	case 16:
		var raw []int16
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		return widen(raw), nil
	case 32:
		var raw []int32
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		return widen(raw), nil
	case 64:
		var raw []int64
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		return widen(raw), nil
	case -32:
		var raw []float32
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		return widen(raw), nil
	case -64:
		var raw []float64
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
}

func widen[T uint8 | int16 | int32 | int64 | float32](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func fitsCards(h *Header) []fitsio.Card {
	if h == nil {
		return nil
	}
	out := make([]fitsio.Card, 0, len(h.cards))
	for _, c := range h.cards {
		if _, skip := structural[c.Key]; skip {
			continue
		}
		if isCommentary(c.Key) {
			out = append(out, fitsio.Card{Name: c.Key, Comment: c.Comment})
			continue
		}
		out = append(out, fitsio.Card{Name: c.Key, Value: fitsValue(c.Value), Comment: c.Comment})
	}
	return out
}

func fitsValue(v any) any {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0.0
		}
		return x
	case int64:
		return int(x)
	case int32:
		return int(x)
	case uint8:
		return int(x)
	}
	return v
}

// WriteImage writes im as a single 32-bit float primary HDU, replacing any
// existing file.
func WriteImage(path string, im *Image) error {
	data := make([]float32, len(im.Data))
	for i, v := range im.Data {
		data[i] = float32(v)
	}
	return write(path, -32, im.Width, im.Height, im.Header, &data)
}

// WriteMask writes an unsigned 8-bit mask frame.
func WriteMask(path string, mask []uint8, width, height int, hdr *Header) error {
	if len(mask) != width*height {
		return fmt.Errorf("mask size %d does not match %dx%d", len(mask), width, height)
	}
	data := append([]uint8(nil), mask...)
	return write(path, 8, width, height, hdr, &data)
}

func write(path string, bitpix, width, height int, hdr *Header, data any) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	f, err := fitsio.Create(out)
	if err != nil {
		return fmt.Errorf("create fits %s: %w", path, err)
	}
	defer f.Close()

	img := fitsio.NewImage(bitpix, []int{width, height})
	defer img.Close()
	if err := img.Header().Append(fitsCards(hdr)...); err != nil {
		return fmt.Errorf("header for %s: %w", path, err)
	}
	if err := img.Write(data); err != nil {
		return fmt.Errorf("pixels for %s: %w", path, err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
