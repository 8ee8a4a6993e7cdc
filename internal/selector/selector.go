// Package selector turns the exposure table into per-field, per-filter
// cohorts.
package selector

import (
	"fmt"
	"log/slog"
	"math"
	"path"
	"sort"
	"strconv"

	"refbuild/internal/catalog"
	"refbuild/internal/logging"
)

// DefaultMaxFieldID is the first field number that is never processed.
const DefaultMaxFieldID = 20000

// Criteria are the record-level cuts. Zero values disable a cut.
type Criteria struct {
	MJDStart     float64
	MJDEnd       float64
	FieldPattern string
	Filters      []string
	QCFlagMax    *catalog.QCFlag
	SeeingMax    float64
	MaxFieldID   int
}

// CapPolicy limits the cohort size. NMax of zero disables capping.
type CapPolicy struct {
	NMax   int
	Key    string
	LowEnd bool // keep the lowest key values instead of the highest
}

// Cut is one named boolean mask over records.
type Cut struct {
	Name string
	Keep func(catalog.ExposureRecord) bool
}

// CutStat records how many records survived a cut.
type CutStat struct {
	Name      string
	Remaining int
}

// CutReport summarizes the selection of one run.
type CutReport struct {
	Considered int
	Cuts       []CutStat
	QCCounts   map[catalog.QCFlag]int
	Cohorts    int
	Dropped    int // cohorts left with fewer than two members after capping
}

// Cohort is the ordered set of exposures combined into one reference.
type Cohort struct {
	FieldID  int
	Filter   string
	Members  []catalog.ExposureRecord
	Excluded []catalog.ExposureRecord // removed by capping
	Capped   bool
	// Threshold is the sort-key value at the cap position when Capped.
	Threshold float64
}

// Paths returns the member file paths in order.
func (c Cohort) Paths() []string {
	out := make([]string, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.Path
	}
	return out
}

// Name identifies the cohort in logs and job IDs.
func (c Cohort) Name() string {
	return fmt.Sprintf("%05d_%s", c.FieldID, c.Filter)
}

// Cuts returns the active cuts in their customary order. The cuts are
// independent so any order yields the same survivors.
func (c Criteria) Cuts() []Cut {
	cuts := []Cut{{
		Name: "date_start/end",
		Keep: func(r catalog.ExposureRecord) bool {
			return r.MJD >= c.MJDStart && r.MJD <= c.MJDEnd
		},
	}}
	if c.FieldPattern != "" {
		pattern := c.FieldPattern
		cuts = append(cuts, Cut{
			Name: "FIELD_ID",
			Keep: func(r catalog.ExposureRecord) bool {
				ok, err := path.Match(pattern, strconv.Itoa(r.FieldID))
				return err == nil && ok
			},
		})
	}
	if len(c.Filters) > 0 {
		set := make(map[string]bool, len(c.Filters))
		for _, f := range c.Filters {
			set[f] = true
		}
		cuts = append(cuts, Cut{
			Name: "FILTER",
			Keep: func(r catalog.ExposureRecord) bool { return set[r.Filter] },
		})
	}
	if c.QCFlagMax != nil {
		max := *c.QCFlagMax
		cuts = append(cuts, Cut{
			Name: "QC-FLAG",
			Keep: func(r catalog.ExposureRecord) bool { return r.QC <= max },
		})
	}
	if c.SeeingMax > 0 {
		max := c.SeeingMax
		cuts = append(cuts, Cut{
			Name: "SEEING",
			Keep: func(r catalog.ExposureRecord) bool { return r.Seeing <= max },
		})
	}
	return cuts
}

// Validate checks the field pattern syntax.
func (c Criteria) Validate() error {
	if c.FieldPattern != "" {
		if _, err := path.Match(c.FieldPattern, "0"); err != nil {
			return fmt.Errorf("invalid field pattern %q: %w", c.FieldPattern, err)
		}
	}
	return nil
}

// ApplyCuts filters recs through each cut in turn, logging the survivors.
func ApplyCuts(recs []catalog.ExposureRecord, cuts []Cut, log *slog.Logger) ([]catalog.ExposureRecord, []CutStat) {
	log = logging.OrDiscard(log)
	stats := make([]CutStat, 0, len(cuts))
	out := recs
	for _, cut := range cuts {
		if cut.Name == "QC-FLAG" && len(out) > 0 {
			counts := CountQC(out)
			log.Info("quality flags", "green", counts[catalog.QCGreen], "yellow", counts[catalog.QCYellow],
				"orange", counts[catalog.QCOrange], "red", counts[catalog.QCRed])
		}
		kept := make([]catalog.ExposureRecord, 0, len(out))
		for _, r := range out {
			if cut.Keep(r) {
				kept = append(kept, r)
			}
		}
		out = kept
		stats = append(stats, CutStat{Name: cut.Name, Remaining: len(out)})
		log.Info(fmt.Sprintf("number of files left (%s cut)", cut.Name), "remaining", len(out))
	}
	return out, stats
}

// CountQC tallies records per quality flag.
func CountQC(recs []catalog.ExposureRecord) map[catalog.QCFlag]int {
	counts := make(map[catalog.QCFlag]int, 4)
	for _, r := range recs {
		counts[r.QC]++
	}
	return counts
}

// Select applies the cuts, groups the survivors and caps every cohort.
// Field numbers of zero and at or above MaxFieldID are never returned.
func Select(recs []catalog.ExposureRecord, crit Criteria, policy CapPolicy, log *slog.Logger) ([]Cohort, CutReport) {
	log = logging.OrDiscard(log)
	report := CutReport{Considered: len(recs), QCCounts: CountQC(recs)}

	survivors, stats := ApplyCuts(recs, crit.Cuts(), log)
	report.Cuts = stats

	maxField := crit.MaxFieldID
	if maxField <= 0 {
		maxField = DefaultMaxFieldID
	}

	type key struct {
		field  int
		filter string
	}
	groups := make(map[key][]catalog.ExposureRecord)
	var keys []key
	for _, r := range survivors {
		if r.FieldID <= 0 || r.FieldID >= maxField {
			continue
		}
		k := key{r.FieldID, r.Filter}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].field != keys[j].field {
			return keys[i].field < keys[j].field
		}
		return keys[i].filter < keys[j].filter
	})

	var cohorts []Cohort
	for _, k := range keys {
		members := groups[k]
		if len(members) < 2 {
			continue
		}
		c := Cap(Cohort{FieldID: k.field, Filter: k.filter, Members: members}, policy)
		if c.Capped {
			log.Info("selected subset of images", "field_id", c.FieldID, "filter", c.Filter,
				"nmax", policy.NMax, "key", policy.Key, "threshold", c.Threshold, "kept", len(c.Members))
		}
		if len(c.Members) < 2 {
			report.Dropped++
			log.Warn("cohort has fewer than two members after capping, skipping",
				"field_id", c.FieldID, "filter", c.Filter, "kept", len(c.Members))
			continue
		}
		cohorts = append(cohorts, c)
	}
	report.Cohorts = len(cohorts)
	if len(cohorts) == 0 {
		log.Warn("zero field IDs with sufficient number of good images to process")
	}
	return cohorts, report
}

// Cap trims a cohort larger than policy.NMax. The sort-key value at rank
// NMax is the threshold and only members strictly better than it are kept,
// so ties at the threshold are excluded. Member order is preserved.
func Cap(c Cohort, policy CapPolicy) Cohort {
	if policy.NMax <= 0 || len(c.Members) <= policy.NMax {
		return c
	}
	ranked := make([]float64, len(c.Members))
	for i, m := range c.Members {
		ranked[i] = m.SortValue
	}
	sort.Float64s(ranked)
	if !policy.LowEnd {
		for i, j := 0, len(ranked)-1; i < j; i, j = i+1, j-1 {
			ranked[i], ranked[j] = ranked[j], ranked[i]
		}
	}
	threshold := ranked[policy.NMax]

	better := func(v float64) bool {
		if math.IsNaN(v) {
			return false
		}
		if policy.LowEnd {
			return v < threshold
		}
		return v > threshold
	}

	kept := make([]catalog.ExposureRecord, 0, policy.NMax)
	var excluded []catalog.ExposureRecord
	for _, m := range c.Members {
		if better(m.SortValue) {
			kept = append(kept, m)
		} else {
			excluded = append(excluded, m)
		}
	}
	c.Members = kept
	c.Excluded = excluded
	c.Capped = true
	c.Threshold = threshold
	return c
}
