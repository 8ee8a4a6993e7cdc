// Package diagnostics renders plots that document the cohort selection.
package diagnostics

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"refbuild/internal/catalog"
	"refbuild/internal/selector"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var (
	keptColor     = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	excludedColor = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	lineColor     = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

func points(recs []catalog.ExposureRecord) plotter.XYs {
	pts := make(plotter.XYs, 0, len(recs))
	for _, r := range recs {
		if math.IsNaN(r.SortValue) {
			continue
		}
		pts = append(pts, plotter.XY{X: r.MJD, Y: r.SortValue})
	}
	return pts
}

// CohortPlot builds the sort-key versus MJD plot of a capped cohort: the
// kept members, the excluded ones and the threshold line.
func CohortPlot(c selector.Cohort, policy selector.CapPolicy) (*plot.Plot, error) {
	kept := points(c.Members)
	if len(kept) == 0 {
		return nil, errors.New("no members to plot")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("field %05d filter %s: %d of %d kept (nmax %d)",
		c.FieldID, c.Filter, len(c.Members), len(c.Members)+len(c.Excluded), policy.NMax)
	p.X.Label.Text = "MJD-OBS"
	p.Y.Label.Text = policy.Key
	p.Add(plotter.NewGrid())

	ks, err := plotter.NewScatter(kept)
	if err != nil {
		return nil, err
	}
	ks.Shape = draw.CircleGlyph{}
	ks.Radius = vg.Points(3)
	ks.Color = keptColor
	p.Add(ks)
	p.Legend.Add("kept", ks)

	minX, maxX := kept[0].X, kept[0].X
	for _, pt := range kept {
		minX, maxX = math.Min(minX, pt.X), math.Max(maxX, pt.X)
	}

	if excl := points(c.Excluded); len(excl) > 0 {
		es, err := plotter.NewScatter(excl)
		if err != nil {
			return nil, err
		}
		es.Shape = draw.CrossGlyph{}
		es.Radius = vg.Points(3)
		es.Color = excludedColor
		p.Add(es)
		p.Legend.Add("excluded", es)
		for _, pt := range excl {
			minX, maxX = math.Min(minX, pt.X), math.Max(maxX, pt.X)
		}
	}

	if c.Capped {
		if minX == maxX {
			minX, maxX = minX-0.5, maxX+0.5
		}
		hline, err := plotter.NewLine(plotter.XYs{{X: minX, Y: c.Threshold}, {X: maxX, Y: c.Threshold}})
		if err != nil {
			return nil, err
		}
		hline.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
		hline.Color = lineColor
		p.Add(hline)
		p.Legend.Add("threshold", hline)
	}
	return p, nil
}

// PlotCohort writes the cohort plot as PNG to path.
func PlotCohort(c selector.Cohort, policy selector.CapPolicy, path string) error {
	p, err := CohortPlot(c, policy)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
