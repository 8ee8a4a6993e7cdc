// Package wcs implements the gnomonic (TAN) world coordinate transform used
// by SWarp outputs and reduced frames. Pixel coordinates are 1-based FITS
// coordinates.
package wcs

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"refbuild/internal/fitsimg"
)

const deg2rad = math.Pi / 180

// ErrNoWCS is returned when a header lacks a usable celestial transform.
var ErrNoWCS = errors.New("no TAN world coordinate system in header")

// TAN is a linear CD matrix followed by a gnomonic projection.
type TAN struct {
	CRPIX1, CRPIX2 float64
	CRVAL1, CRVAL2 float64 // degrees
	CD             [2][2]float64
	inv            [2][2]float64
}

// New builds a transform and precomputes the inverse CD matrix.
func New(crpix1, crpix2, crval1, crval2 float64, cd [2][2]float64) (*TAN, error) {
	det := cd[0][0]*cd[1][1] - cd[0][1]*cd[1][0]
	if det == 0 {
		return nil, errors.New("singular CD matrix")
	}
	t := &TAN{CRPIX1: crpix1, CRPIX2: crpix2, CRVAL1: crval1, CRVAL2: crval2, CD: cd}
	t.inv = [2][2]float64{
		{cd[1][1] / det, -cd[0][1] / det},
		{-cd[1][0] / det, cd[0][0] / det},
	}
	return t, nil
}

// FromHeader reads CRPIX/CRVAL and CD, PC+CDELT or CROTA2+CDELT keywords.
func FromHeader(h *fitsimg.Header) (*TAN, error) {
	for _, key := range []string{"CRPIX1", "CRPIX2", "CRVAL1", "CRVAL2"} {
		if !h.Has(key) {
			return nil, fmt.Errorf("%w: %s missing", ErrNoWCS, key)
		}
	}
	if ctype, err := h.String("CTYPE1"); err == nil && ctype != "" && !strings.HasSuffix(ctype, "TAN") && !strings.HasSuffix(ctype, "TPV") {
		return nil, fmt.Errorf("%w: unsupported projection %s", ErrNoWCS, ctype)
	}
	crpix1, _ := h.Float("CRPIX1")
	crpix2, _ := h.Float("CRPIX2")
	crval1, _ := h.Float("CRVAL1")
	crval2, _ := h.Float("CRVAL2")

	var cd [2][2]float64
	switch {
	case h.Has("CD1_1"):
		cd = [2][2]float64{
			{h.FloatOr("CD1_1", 0), h.FloatOr("CD1_2", 0)},
			{h.FloatOr("CD2_1", 0), h.FloatOr("CD2_2", 0)},
		}
	case h.Has("CDELT1"):
		c1 := h.FloatOr("CDELT1", 0)
		c2 := h.FloatOr("CDELT2", 0)
		if h.Has("PC1_1") {
			cd = [2][2]float64{
				{c1 * h.FloatOr("PC1_1", 1), c1 * h.FloatOr("PC1_2", 0)},
				{c2 * h.FloatOr("PC2_1", 0), c2 * h.FloatOr("PC2_2", 1)},
			}
		} else {
			rho := h.FloatOr("CROTA2", 0) * deg2rad
			cd = [2][2]float64{
				{c1 * math.Cos(rho), -c2 * math.Sin(rho)},
				{c1 * math.Sin(rho), c2 * math.Cos(rho)},
			}
		}
	default:
		return nil, fmt.Errorf("%w: no CD or CDELT keywords", ErrNoWCS)
	}
	return New(crpix1, crpix2, crval1, crval2, cd)
}

// PixToWorld converts FITS pixel (x, y) to (ra, dec) in degrees.
func (t *TAN) PixToWorld(x, y float64) (float64, float64) {
	dx := x - t.CRPIX1
	dy := y - t.CRPIX2
	xi := (t.CD[0][0]*dx + t.CD[0][1]*dy) * deg2rad
	eta := (t.CD[1][0]*dx + t.CD[1][1]*dy) * deg2rad

	ra0 := t.CRVAL1 * deg2rad
	dec0 := t.CRVAL2 * deg2rad
	den := math.Cos(dec0) - eta*math.Sin(dec0)
	ra := ra0 + math.Atan2(xi, den)
	dec := math.Atan2(math.Sin(dec0)+eta*math.Cos(dec0), math.Hypot(xi, den))
	return normRA(ra / deg2rad), dec / deg2rad
}

// WorldToPix converts (ra, dec) in degrees to FITS pixel (x, y).
func (t *TAN) WorldToPix(ra, dec float64) (float64, float64) {
	ra0 := t.CRVAL1 * deg2rad
	dec0 := t.CRVAL2 * deg2rad
	r := ra * deg2rad
	d := dec * deg2rad
	dra := r - ra0

	cosc := math.Sin(dec0)*math.Sin(d) + math.Cos(dec0)*math.Cos(d)*math.Cos(dra)
	xi := math.Cos(d) * math.Sin(dra) / cosc / deg2rad
	eta := (math.Cos(dec0)*math.Sin(d) - math.Sin(dec0)*math.Cos(d)*math.Cos(dra)) / cosc / deg2rad

	dx := t.inv[0][0]*xi + t.inv[0][1]*eta
	dy := t.inv[1][0]*xi + t.inv[1][1]*eta
	return dx + t.CRPIX1, dy + t.CRPIX2
}

// Center returns the world coordinates of the middle of a width x height
// frame.
func (t *TAN) Center(width, height int) (float64, float64) {
	return t.PixToWorld(float64(width)/2+0.5, float64(height)/2+0.5)
}

func normRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

// SeparationArcsec returns the great-circle distance between two positions.
func SeparationArcsec(ra1, dec1, ra2, dec2 float64) float64 {
	p1 := dec1 * deg2rad
	p2 := dec2 * deg2rad
	dp := p2 - p1
	dl := (ra2 - ra1) * deg2rad
	a := math.Sin(dp/2)*math.Sin(dp/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(a))) / deg2rad * 3600
}

// HeaderCoords returns the RA and DEC header keywords in degrees. String
// values are read as sexagesimal hours and degrees.
func HeaderCoords(h *fitsimg.Header) (float64, float64, error) {
	raVal, ok := h.Get("RA")
	if !ok {
		return 0, 0, fmt.Errorf("%w: RA", fitsimg.ErrMissingKey)
	}
	decVal, ok := h.Get("DEC")
	if !ok {
		return 0, 0, fmt.Errorf("%w: DEC", fitsimg.ErrMissingKey)
	}
	ra, err := parseAngle(raVal, true)
	if err != nil {
		return 0, 0, fmt.Errorf("RA: %w", err)
	}
	dec, err := parseAngle(decVal, false)
	if err != nil {
		return 0, 0, fmt.Errorf("DEC: %w", err)
	}
	return ra, dec, nil
}

func parseAngle(v any, hours bool) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		return ParseSexagesimal(x, hours)
	}
	return 0, fmt.Errorf("unsupported angle type %T", v)
}

// ParseSexagesimal parses "hh:mm:ss.s" (hours is true) or "+dd:mm:ss.s" into
// degrees. Plain decimal strings are returned as degrees.
func ParseSexagesimal(s string, hours bool) (float64, error) {
	s = strings.TrimSpace(s)
	sep := func(r rune) bool { return r == ':' || r == ' ' }
	parts := strings.FieldsFunc(s, sep)
	if len(parts) == 1 {
		return strconv.ParseFloat(parts[0], 64)
	}
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed sexagesimal %q", s)
	}
	neg := strings.HasPrefix(parts[0], "-")
	var vals [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimLeft(p, "+-"), 64)
		if err != nil {
			return 0, fmt.Errorf("malformed sexagesimal %q: %w", s, err)
		}
		vals[i] = f
	}
	out := vals[0] + vals[1]/60 + vals[2]/3600
	if hours {
		out *= 15
	}
	if neg {
		out = -out
	}
	return out, nil
}

// Offset returns the zero-based position of src's first pixel on the dst
// grid, rounded to the nearest pixel.
func Offset(src, dst *TAN) (int, int) {
	ra, dec := src.PixToWorld(1, 1)
	x, y := dst.WorldToPix(ra, dec)
	return int(math.Floor(x - 1 + 0.5)), int(math.Floor(y - 1 + 0.5))
}

// Place copies a resampled frame into a width x height frame on the dst
// grid. Pixels not covered by src take fill. The returned image carries
// src's header.
func Place(src *fitsimg.Image, dst *TAN, width, height int, fill float64) (*fitsimg.Image, error) {
	st, err := FromHeader(src.Header)
	if err != nil {
		return nil, err
	}
	x0, y0 := Offset(st, dst)
	out := fitsimg.New(width, height)
	out.Header = src.Header.Clone()
	if fill != 0 {
		for i := range out.Data {
			out.Data[i] = fill
		}
	}
	for y := 0; y < src.Height; y++ {
		ty := y + y0
		if ty < 0 || ty >= height {
			continue
		}
		for x := 0; x < src.Width; x++ {
			tx := x + x0
			if tx < 0 || tx >= width {
				continue
			}
			out.Data[ty*width+tx] = src.Data[y*src.Width+x]
		}
	}
	return out, nil
}
