package coadd

import (
	"fmt"
	"math"
	"sort"

	"refbuild/internal/fitsimg"
	"refbuild/internal/stats"
	"refbuild/internal/wcs"
)

// LDAC catalog columns read for flux matching.
const (
	colRA  = "ALPHAWIN_J2000"
	colDec = "DELTAWIN_J2000"
)

// Source is one catalog entry.
type Source struct {
	RA, Dec float64
	Flux    float64
}

// ReadCatalog loads positive-flux sources from a SExtractor LDAC catalog.
func ReadCatalog(path, fluxColumn string) ([]Source, error) {
	tbl, err := fitsimg.ReadTable(path, colRA, colDec, fluxColumn)
	if err != nil {
		return nil, err
	}
	ras, err := tbl.Float(colRA)
	if err != nil {
		return nil, err
	}
	decs, err := tbl.Float(colDec)
	if err != nil {
		return nil, err
	}
	fluxes, err := tbl.Float(fluxColumn)
	if err != nil {
		return nil, err
	}
	out := make([]Source, 0, len(ras))
	for i := range ras {
		if fluxes[i] > 0 && !math.IsNaN(fluxes[i]) {
			out = append(out, Source{RA: ras[i], Dec: decs[i], Flux: fluxes[i]})
		}
	}
	return out, nil
}

// Match is a source common to a member and the first member, located on
// the reference grid.
type Match struct {
	X, Y  float64 // 1-based reference-grid pixel
	Ratio float64 // member flux over first-member flux
}

// MatchSources pairs each source of cat with the nearest source of ref
// within radius arcseconds. scale multiplies every ratio.
func MatchSources(ref, cat []Source, radius, scale float64, grid *wcs.TAN) []Match {
	sorted := append([]Source(nil), ref...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Dec < sorted[j].Dec })
	rdeg := radius / 3600

	var out []Match
	for _, s := range cat {
		lo := sort.Search(len(sorted), func(i int) bool { return sorted[i].Dec >= s.Dec-rdeg })
		best, bestSep := -1, radius
		for i := lo; i < len(sorted) && sorted[i].Dec <= s.Dec+rdeg; i++ {
			if sep := wcs.SeparationArcsec(s.RA, s.Dec, sorted[i].RA, sorted[i].Dec); sep <= bestSep {
				best, bestSep = i, sep
			}
		}
		if best < 0 {
			continue
		}
		m := Match{Ratio: scale * s.Flux / sorted[best].Flux}
		if grid != nil {
			m.X, m.Y = grid.WorldToPix(s.RA, s.Dec)
		}
		out = append(out, m)
	}
	return out
}

// FluxRatio holds a member's flux ratio estimates.
type FluxRatio struct {
	Global  float64
	Matches []Match
}

// Unity is the ratio of the first member.
var Unity = FluxRatio{Global: 1}

// NewFluxRatio derives the full-frame estimate as the 2-sigma clipped
// median of the matched ratios.
func NewFluxRatio(matches []Match) (FluxRatio, error) {
	if len(matches) == 0 {
		return FluxRatio{}, fmt.Errorf("no sources matched")
	}
	ratios := make([]float64, len(matches))
	for i, m := range matches {
		ratios[i] = m.Ratio
	}
	return FluxRatio{Global: stats.SigmaClip(ratios, 2, stats.DefaultMaxIter).Median, Matches: matches}, nil
}

// At returns the clipped median of the matches inside t when there are at
// least minLocal of them, otherwise the global ratio.
func (f FluxRatio) At(t Tile, minLocal int) (float64, bool) {
	if len(f.Matches) == 0 || minLocal < 1 {
		return f.Global, false
	}
	var local []float64
	for _, m := range f.Matches {
		if t.Contains(m.X, m.Y) {
			local = append(local, m.Ratio)
		}
	}
	if len(local) < minLocal {
		return f.Global, false
	}
	return stats.SigmaClip(local, clipSigma, stats.DefaultMaxIter).Median, true
}
