package diagnostics

import (
	"os"
	"path/filepath"
	"testing"

	"refbuild/internal/catalog"
	"refbuild/internal/selector"
)

func cohort() selector.Cohort {
	c := selector.Cohort{FieldID: 1234, Filter: "u"}
	for i, v := range []float64{19.1, 19.5, 20.2, 20.4, 18.7} {
		c.Members = append(c.Members, catalog.ExposureRecord{Path: "x", MJD: 59000 + float64(i), FieldID: 1234, Filter: "u", SortValue: v})
	}
	return c
}

func TestPlotCohortWritesPNG(t *testing.T) {
	policy := selector.CapPolicy{NMax: 3, Key: "LIMMAG"}
	c := selector.Cap(cohort(), policy)
	if !c.Capped {
		t.Fatalf("expected capped cohort")
	}
	path := filepath.Join(t.TempDir(), "plots", "ML1_01234_u_subset.png")
	if err := PlotCohort(c, policy, path); err != nil {
		t.Fatalf("plot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read plot: %v", err)
	}
	if len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Fatalf("output is not a PNG")
	}
}

func TestCohortPlotNeedsMembers(t *testing.T) {
	if _, err := CohortPlot(selector.Cohort{}, selector.CapPolicy{}); err == nil {
		t.Fatalf("expected error for empty cohort")
	}
}
