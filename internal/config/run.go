package config

import (
	"fmt"
	"strings"
	"time"
)

// Version is stamped into every reference header as R-V.
const Version = "1.0.0"

// RunContext carries the process-level inputs of one invocation. It is built
// once and passed explicitly to every component.
type RunContext struct {
	RunID        string
	Telescope    string
	DateStart    string // as given, recorded in R-TRANGE
	DateEnd      string
	MJDStart     float64
	MJDEnd       float64
	FieldPattern string // shell glob over field numbers, empty selects all
	Filters      string // one character per filter, empty selects all
	QCFlagMax    string
	SeeingMax    float64 // 0 disables the cut
	MakeColfig   bool
	ColfigBands  string
	StartedAt    time.Time
	Version      string
}

// FilterList splits the filter string into single-filter names.
func (rc *RunContext) FilterList() []string {
	out := make([]string, 0, len(rc.Filters))
	for _, r := range rc.Filters {
		out = append(out, string(r))
	}
	return out
}

// TimeRange renders the requested window the way it is stored in R-TRANGE.
func (rc *RunContext) TimeRange() string {
	return fmt.Sprintf("[%s,%s]", orNone(rc.DateStart), orNone(rc.DateEnd))
}

// Validate checks the telescope against the configured set.
func (rc *RunContext) Validate(cfg *Config) error {
	if _, ok := cfg.Telescopes[rc.Telescope]; !ok {
		known := make([]string, 0, len(cfg.Telescopes))
		for k := range cfg.Telescopes {
			known = append(known, k)
		}
		return fmt.Errorf("unknown telescope %q (known: %s)", rc.Telescope, strings.Join(known, ", "))
	}
	if rc.MJDEnd < rc.MJDStart {
		return fmt.Errorf("date window is empty: start %.2f after end %.2f", rc.MJDStart, rc.MJDEnd)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
