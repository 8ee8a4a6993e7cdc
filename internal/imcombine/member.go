package imcombine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"refbuild/internal/fitsimg"
	"refbuild/internal/grid"
	"refbuild/internal/stats"
	"refbuild/internal/tools"
	"refbuild/internal/wcs"
)

// errSkipMember marks a member that is left out of the combination without
// failing the cohort.
var errSkipMember = errors.New("member skipped")

// Member is one input exposure after preparation.
type Member struct {
	Path      string // original reduced image
	ID        string
	Prepared  string // background-subtracted image in scratch
	Weights   string
	Mask      string
	Resampled string // SWarp output on the common grid
	Width     int
	Height    int
	RA        float64
	Dec       float64
	ZP        float64
	ZPStd     float64
	Airmass   float64
	ExtCo     float64
	Gain      float64
	RDNoise   float64
	Saturate  float64
	ExpTime   float64
	MJD       float64
	FScale    float64
	Header    *fitsimg.Header // header of the original image
}

// Companion returns the path of a file that accompanies a reduced image,
// replacing the trailing "red.fits" with suffix, e.g. "mask.fits". An
// fpacked variant is returned when only that exists.
func Companion(path, suffix string) string {
	p := strings.TrimSuffix(path, ".fz")
	p = strings.TrimSuffix(p, "red.fits") + suffix
	resolved, _ := fitsimg.ResolvePath(p)
	return resolved
}

// FluxScale is the factor that brings an image with zero-point zp observed
// at airmass to the zero-point zp0 at airmass 1.
func FluxScale(zp, zp0, extco, airmass float64) float64 {
	dmag := zp - zp0 - extco*(airmass-1)
	return math.Pow(10, dmag/-2.5)
}

// Weights returns the inverse-variance map 1/std^2, zero where std is zero
// or where the mask has any of the discard bits set.
func Weights(std []float64, mask []uint8, discard uint8) []float64 {
	w := make([]float64, len(std))
	for i, s := range std {
		if s == 0 {
			continue
		}
		if mask != nil && mask[i]&discard != 0 {
			continue
		}
		w[i] = 1 / (s * s)
	}
	return w
}

// discardCounts counts the rejected pixels per mask value.
func discardCounts(mask []uint8, discard uint8) map[uint8]int {
	counts := make(map[uint8]int)
	for _, val := range MaskValues {
		if discard&val != val {
			continue
		}
		n := 0
		for _, m := range mask {
			if m&val == val {
				n++
			}
		}
		counts[val] = n
	}
	return counts
}

// fixBad replaces pixels flagged bad with the local background.
func fixBad(data, bkg []float64, mask []uint8) int {
	n := 0
	for i, m := range mask {
		if m&MaskBad != 0 {
			data[i] = bkg[i]
			n++
		}
	}
	return n
}

// subtractBackground removes the background according to bt and zeroes
// edge pixels, leaving the data untouched for the SWarp-handled types.
func subtractBackground(data, bkg []float64, mask []uint8, bt BackType) {
	switch bt {
	case BackBlackbox:
		for i := range data {
			data[i] -= bkg[i]
		}
	case BackConstant:
		med := stats.SigmaClip(data, 3, stats.DefaultMaxIter).Median
		for i := range data {
			data[i] -= med
		}
	default:
		return
	}
	for i, m := range mask {
		if m&MaskEdge != 0 {
			data[i] = 0
		}
	}
}

// readMini loads a mini map and expands it to width x height.
func readMini(path string, width, height, order int) ([]float64, error) {
	mini, err := fitsimg.ReadImage(path)
	if err != nil {
		return nil, err
	}
	box, err := mini.Header.Int("BKG_SIZE")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return grid.MiniToFull(mini.Data, mini.Width, mini.Height, box, width, height, order)
}

// local returns a readable copy of path, funpacking fpacked files into dir.
func (c *Combiner) local(ctx context.Context, path, dir string) (string, error) {
	if !strings.HasSuffix(path, ".fz") {
		return path, nil
	}
	out := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), ".fz"))
	if _, err := c.Runner.Run(ctx, tools.Funpack{Binary: c.Funpack, Input: path, Output: out}.Command()); err != nil {
		return "", fmt.Errorf("funpack %s: %w", path, err)
	}
	return out, nil
}

// readMemberKeys extracts the per-member keywords.
func readMemberKeys(m *Member, h *fitsimg.Header, keys Keys) error {
	var err error
	get := func(key string, dst *float64) {
		if err != nil {
			return
		}
		*dst, err = h.Float(key)
	}
	if m.RA, m.Dec, err = wcs.HeaderCoords(h); err != nil {
		return err
	}
	get(keys.ZeroPoint, &m.ZP)
	get(keys.ZeroPointStd, &m.ZPStd)
	get("AIRMASS", &m.Airmass)
	get(keys.Extinction, &m.ExtCo)
	get("GAIN", &m.Gain)
	get("RDNOISE", &m.RDNoise)
	get(keys.Saturate, &m.Saturate)
	get("EXPTIME", &m.ExpTime)
	get("MJD-OBS", &m.MJD)
	return err
}

// prepare loads one member, derives its weights and flux scale and writes
// the prepared image, weights and mask to the scratch directory. zp0 is the
// zero-point of the reference member, nil while none has been accepted.
func (c *Combiner) prepare(ctx context.Context, req *Request, path string, zp0 *float64, log *slog.Logger) (*Member, error) {
	src, err := c.local(ctx, path, req.TmpDir)
	if err != nil {
		return nil, err
	}
	img, err := fitsimg.ReadImage(src)
	if err != nil {
		return nil, err
	}

	m := &Member{Path: path, ID: fitsimg.BaseID(path), Width: img.Width, Height: img.Height, Header: img.Header.Clone()}
	if err := readMemberKeys(m, img.Header, req.Keys); err != nil {
		log.Warn("header keyword missing, not using image in combination", "image", path, "error", err)
		return nil, fmt.Errorf("%w: %v", errSkipMember, err)
	}

	maskPath, err := c.local(ctx, Companion(path, "mask.fits"), req.TmpDir)
	if err != nil {
		return nil, err
	}
	maskImg, err := fitsimg.ReadImage(maskPath)
	if err != nil {
		return nil, fmt.Errorf("mask of %s: %w", path, err)
	}
	if maskImg.Width != img.Width || maskImg.Height != img.Height {
		return nil, fmt.Errorf("mask of %s is %dx%d, image is %dx%d", path, maskImg.Width, maskImg.Height, img.Width, img.Height)
	}
	mask := maskImg.Mask()

	bkgPath, err := c.local(ctx, Companion(path, "red_bkg_mini.fits"), req.TmpDir)
	if err != nil {
		return nil, err
	}
	bkg, err := readMini(bkgPath, img.Width, img.Height, 2)
	if err != nil {
		return nil, fmt.Errorf("background of %s: %w", path, err)
	}
	stdPath, err := c.local(ctx, Companion(path, "red_bkg_std_mini.fits"), req.TmpDir)
	if err != nil {
		return nil, err
	}
	std, err := readMini(stdPath, img.Width, img.Height, 1)
	if err != nil {
		return nil, fmt.Errorf("background STD of %s: %w", path, err)
	}

	discard := uint8(req.MaskDiscard)
	weights := Weights(std, mask, discard)
	for val, n := range discardCounts(mask, discard) {
		log.Info("discarding mask value", "image", m.ID, "value", val, "pixels", n)
	}
	if n := fixBad(img.Data, bkg, mask); n > 0 {
		log.Debug("replaced bad pixels with background", "image", m.ID, "pixels", n)
	}

	if zp0 == nil {
		m.FScale = FluxScale(m.ZP, m.ZP, m.ExtCo, m.Airmass)
	} else {
		m.FScale = FluxScale(m.ZP, *zp0, m.ExtCo, m.Airmass)
	}
	img.Header.Set("FSCALE", m.FScale, "flux ratio wrt to first image and at airmass=1")

	if t, err := wcs.FromHeader(img.Header); err == nil {
		m.RA, m.Dec = t.PixToWorld(float64(img.Width/2), float64(img.Height/2))
	} else {
		log.Warn("no WCS, using RA/DEC keywords as image center", "image", m.ID, "error", err)
	}

	subtractBackground(img.Data, bkg, mask, req.BackType)

	base := strings.TrimSuffix(filepath.Base(path), ".fz")
	m.Prepared = filepath.Join(req.TmpDir, base)
	m.Weights = strings.TrimSuffix(m.Prepared, ".fits") + tools.WeightSuffix
	m.Mask = strings.TrimSuffix(m.Prepared, "red.fits") + "mask.fits"
	m.Resampled = strings.TrimSuffix(m.Prepared, ".fits") + tools.ResampleSuffix

	if err := fitsimg.WriteImage(m.Prepared, img); err != nil {
		return nil, err
	}
	if err := fitsimg.WriteImage(m.Weights, &fitsimg.Image{Width: img.Width, Height: img.Height, Data: weights, Header: fitsimg.NewHeader()}); err != nil {
		return nil, err
	}
	if req.RemapMasks {
		// the mask carries the image WCS so that SWarp can remap it
		if err := fitsimg.WriteMask(m.Mask, mask, img.Width, img.Height, img.Header); err != nil {
			return nil, err
		}
	}
	return m, nil
}
