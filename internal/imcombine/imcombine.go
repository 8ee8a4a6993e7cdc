// Package imcombine combines a cohort of reduced exposures into a single
// reference frame with SWarp. Each member is weighted by its inverse
// background variance, scaled to a common zero-point at airmass 1 and
// resampled onto a shared grid. The combined weights are converted to a
// background STD image and the member masks are merged.
package imcombine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"refbuild/internal/fitsimg"
	"refbuild/internal/logging"
	"refbuild/internal/stats"
	"refbuild/internal/tools"
	"refbuild/internal/wcs"
)

// Keys names the header keywords that differ between reductions.
type Keys struct {
	ZeroPoint    string
	ZeroPointStd string
	Extinction   string
	Saturate     string
}

// DefaultKeys are the keywords written by the reduction pipeline.
func DefaultKeys() Keys {
	return Keys{ZeroPoint: "PC-ZP", ZeroPointStd: "PC-ZPSTD", Extinction: "PC-EXTCO", Saturate: "SATURATE"}
}

func (k Keys) withDefaults() Keys {
	d := DefaultKeys()
	if k.ZeroPoint == "" {
		k.ZeroPoint = d.ZeroPoint
	}
	if k.ZeroPointStd == "" {
		k.ZeroPointStd = d.ZeroPointStd
	}
	if k.Extinction == "" {
		k.Extinction = d.Extinction
	}
	if k.Saturate == "" {
		k.Saturate = d.Saturate
	}
	return k
}

// Request describes one combination.
type Request struct {
	FieldID        int
	Images         []string
	Output         string // combined image, must end in red.fits
	TmpDir         string
	CombineType    CombineType
	CenterType     CenterType
	BackType       BackType
	BackDefault    float64
	BackSize       int
	BackFilterSize int
	MaskDiscard    int
	MinUnmasked    int
	RemapMasks     bool
	SwarpConfig    string // SWarp defaults are dumped to TmpDir when empty
	Threads        int
	Overwrite      bool
	FieldGrid      FieldGrid // required for CenterGrid
	Keys           Keys
	Provenance     Provenance
	Log            *slog.Logger
}

// Result lists the products of a combination.
type Result struct {
	Image       string
	BkgStd      string
	Bkg         string // empty unless the background was subtracted
	Mask        string // empty unless masks were remapped
	Weights     string
	Members     []*Member
	Fingerprint Fingerprint
	Width       int
	Height      int
	CenterRA    float64
	CenterDec   float64
}

// Used returns the paths of the members that went into the combination.
func (r *Result) Used() []string {
	out := make([]string, len(r.Members))
	for i, m := range r.Members {
		out[i] = m.Path
	}
	return out
}

// Combiner runs combinations through external tools.
type Combiner struct {
	Runner  tools.Runner
	Swarp   string
	Funpack string
	Now     func() time.Time
}

func (c *Combiner) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Output names derived from the combined image path.
func bkgStdPath(image string) string {
	return strings.TrimSuffix(image, "red.fits") + "red_bkg_std.fits"
}
func bkgPath(image string) string  { return strings.TrimSuffix(image, "red.fits") + "red_bkg.fits" }
func maskPath(image string) string { return strings.TrimSuffix(image, "red.fits") + "mask.fits" }
func weightsPath(image string) string {
	return strings.TrimSuffix(image, ".fits") + tools.WeightSuffix
}

func (req *Request) validate() error {
	if len(req.Images) < 2 {
		return fmt.Errorf("%w: %d given, at least 2 required", ErrTooFewImages, len(req.Images))
	}
	if _, err := ParseCombineType(string(req.CombineType)); err != nil {
		return err
	}
	if _, err := ParseCenterType(string(req.CenterType)); err != nil {
		return err
	}
	if _, err := ParseBackType(string(req.BackType)); err != nil {
		return err
	}
	if !strings.HasSuffix(req.Output, "red.fits") {
		return fmt.Errorf("output %s does not end in red.fits", req.Output)
	}
	if req.MinUnmasked < 1 {
		req.MinUnmasked = 3
	}
	if req.Threads < 1 {
		req.Threads = 1
	}
	req.Keys = req.Keys.withDefaults()
	return nil
}

// Combine prepares every member, runs SWarp over them and writes the
// combined image, its STD image, optional zero background and combined
// mask.
func (c *Combiner) Combine(ctx context.Context, req Request) (*Result, error) {
	log := logging.OrDiscard(req.Log)
	if err := req.validate(); err != nil {
		return nil, err
	}
	if fitsimg.Exists(req.Output) && !req.Overwrite {
		return nil, fmt.Errorf("%w: %s", ErrOutputExists, req.Output)
	}
	if err := os.MkdirAll(req.TmpDir, 0o755); err != nil {
		return nil, err
	}

	var members []*Member
	var zp0 *float64
	for _, path := range req.Images {
		m, err := c.prepare(ctx, &req, path, zp0, log)
		if errors.Is(err, errSkipMember) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if zp0 == nil {
			zp := m.ZP
			zp0 = &zp
		}
		members = append(members, m)
		log.Info("prepared image", "image", m.ID, "fscale", m.FScale, "zp", m.ZP, "airmass", m.Airmass)
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: only %d of %d images usable", ErrTooFewImages, len(members), len(req.Images))
	}

	ra, dec, err := center(req.CenterType, members, req.FieldGrid, req.FieldID)
	if err != nil {
		return nil, err
	}
	width, height := members[0].Width, members[0].Height
	log.Info("reference grid", "ra", ra, "dec", dec, "width", width, "height", height, "center_type", req.CenterType)

	if req.SwarpConfig == "" {
		req.SwarpConfig = filepath.Join(req.TmpDir, "swarp.config")
		if err := tools.DefaultSwarpConfig(ctx, c.Runner, c.Swarp, req.SwarpConfig); err != nil {
			return nil, err
		}
	}

	prepared := make([]string, len(members))
	for i, m := range members {
		prepared[i] = m.Prepared
	}
	subtract, backType := req.BackType.swarp()
	res := &Result{
		Image:     req.Output,
		BkgStd:    bkgStdPath(req.Output),
		Weights:   weightsPath(req.Output),
		Members:   members,
		Width:     width,
		Height:    height,
		CenterRA:  ra,
		CenterDec: dec,
	}
	cmd := tools.SwarpCombine{
		Binary:         c.Swarp,
		Config:         req.SwarpConfig,
		Images:         prepared,
		CombineType:    string(req.CombineType),
		ImageOut:       res.Image,
		WeightOut:      res.Weights,
		CenterRA:       ra,
		CenterDec:      dec,
		Width:          width,
		Height:         height,
		ResampleDir:    req.TmpDir,
		SatKeyword:     req.Keys.Saturate,
		SubtractBack:   subtract,
		BackType:       backType,
		BackDefault:    req.BackDefault,
		BackSize:       req.BackSize,
		BackFilterSize: req.BackFilterSize,
		Threads:        req.Threads,
	}.Command()
	log.Debug("running swarp", "cmd", cmd.String())
	if _, err := c.Runner.Run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("swarp combine: %w", err)
	}

	out, err := fitsimg.ReadImage(res.Image)
	if err != nil {
		return nil, fmt.Errorf("read combined image: %w", err)
	}
	now := c.now().UTC()
	used := make([]string, len(members))
	var gains, rdn, sats, exps, mjds []float64
	for i, m := range members {
		used[i] = m.ID
		gains = append(gains, m.Gain)
		rdn = append(rdn, m.RDNoise)
		sats = append(sats, m.Saturate)
		exps = append(exps, m.ExpTime)
		mjds = append(mjds, m.MJD)
	}
	res.Fingerprint = NewFingerprint(used)

	h := out.Header
	h.Set("RA", ra, "[deg] telescope right ascension")
	h.Set("DEC", dec, "[deg] telescope declination")
	setEffective(h, CalcHeaders(req.CombineType, gains, rdn, sats, exps, mjds))
	setProvenance(h, req.Provenance, used, req.CombineType, req.BackType, req.CenterType, req.MaskDiscard)
	h.Set("DATEFILE", now.Format(isoMillis), "UTC date of writing file")
	h.Set("R-DATE", now.Format(isoMillis), "time stamp reference image creation")
	for i, v := range out.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out.Data[i] = 0
		}
	}
	if err := fitsimg.WriteImage(res.Image, out); err != nil {
		return nil, err
	}

	wimg, err := fitsimg.ReadImage(res.Weights)
	if err != nil {
		return nil, fmt.Errorf("read combined weights: %w", err)
	}
	wimg.Data = WeightsToSTD(wimg.Data)
	wimg.Header.AddComment("combined weights image was converted to STD image: std=1/sqrt(w)")
	wimg.Header.Set("DATEFILE", now.Format(isoMillis), "UTC date of writing file")
	if err := fitsimg.WriteImage(res.BkgStd, wimg); err != nil {
		return nil, err
	}

	if req.BackType.Subtracted() {
		res.Bkg = bkgPath(req.Output)
		bkg := fitsimg.New(out.Width, out.Height)
		bkg.Header = h.Clone()
		if err := fitsimg.WriteImage(res.Bkg, bkg); err != nil {
			return nil, err
		}
	}

	if req.RemapMasks {
		refWCS, err := wcs.FromHeader(h)
		if err != nil {
			return nil, fmt.Errorf("combined image WCS: %w", err)
		}
		masks := make([][]uint8, 0, len(members))
		for _, m := range members {
			mk, err := c.remapMask(ctx, &req, m, h, refWCS, out.Width, out.Height)
			if err != nil {
				return nil, err
			}
			masks = append(masks, mk)
		}
		res.Mask = maskPath(req.Output)
		if err := fitsimg.WriteMask(res.Mask, CombineMasks(masks, req.MinUnmasked), out.Width, out.Height, h); err != nil {
			return nil, err
		}
	}

	log.Info("combined reference image", "image", res.Image, "n_used", len(members), "combine_type", req.CombineType)
	return res, nil
}

// WeightsToSTD converts combined weights to a noise image std=1/sqrt(w).
// Zero weights take the median of the finite non-zero STD values.
func WeightsToSTD(w []float64) []float64 {
	std := make([]float64, len(w))
	var nonzero []float64
	for i, v := range w {
		if v > 0 {
			std[i] = 1 / math.Sqrt(v)
			nonzero = append(nonzero, std[i])
		}
	}
	fill := 0.0
	if len(nonzero) > 0 {
		fill = stats.Median(nonzero)
	}
	for i, v := range w {
		if !(v > 0) {
			std[i] = fill
		}
	}
	return std
}

// center returns the sky position of the reference grid.
func center(ct CenterType, members []*Member, grid FieldGrid, fieldID int) (float64, float64, error) {
	ras := make([]float64, len(members))
	decs := make([]float64, len(members))
	for i, m := range members {
		ras[i], decs[i] = m.RA, m.Dec
	}
	switch ct {
	case CenterFirst:
		return ras[0], decs[0], nil
	case CenterLast:
		return ras[len(ras)-1], decs[len(decs)-1], nil
	case CenterMean:
		return stats.Mean(ras), stats.Mean(decs), nil
	case CenterMedian:
		return stats.Median(ras), stats.Median(decs), nil
	case CenterGrid:
		c, err := grid.Lookup(fieldID)
		if err != nil {
			return 0, 0, err
		}
		return c.RA, c.Dec, nil
	}
	return 0, 0, fmt.Errorf("%w %q", ErrUnknownCenterType, ct)
}
