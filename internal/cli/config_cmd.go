package cli

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"refbuild/internal/config"

	"github.com/dustin/go-humanize"
)

func (r *Root) configShow() error {
	out := r.out
	fmt.Fprintf(out, "Current configuration:\n")
	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/refbuild/config.json"
	}
	fmt.Fprintf(out, "Config file: %s\n", cfgPath)

	tels := make([]string, 0, len(r.cfg.Telescopes))
	for t := range r.cfg.Telescopes {
		tels = append(tels, t)
	}
	sort.Strings(tels)
	fmt.Fprintf(out, "Telescopes: %s\n", strings.Join(tels, ", "))

	p := r.cfg.Paths
	fmt.Fprintf(out, "\nPaths:\n")
	fmt.Fprintf(out, "  Reduced images: %s\n", p.RedDir)
	fmt.Fprintf(out, "  References:     %s\n", p.RefDir)
	fmt.Fprintf(out, "  Scratch:        %s\n", p.TmpDir)
	fmt.Fprintf(out, "  Database:       %s\n", p.DatabasePath)
	if p.FieldGrid != "" {
		fmt.Fprintf(out, "  Field grid:     %s\n", p.FieldGrid)
	}

	s := r.cfg.Selection
	fmt.Fprintf(out, "\nSelection:\n")
	fmt.Fprintf(out, "  Subset cap:     %d images on %s (%s end)\n", s.SubsetNMax, s.SubsetKey, map[bool]string{true: "low", false: "high"}[s.SubsetLowEnd])
	fmt.Fprintf(out, "  QC flag max:    %s\n", s.QCFlagMax)
	if s.SeeingMax > 0 {
		fmt.Fprintf(out, "  Seeing max:     %s arcsec on %s\n", humanize.Ftoa(s.SeeingMax), s.SeeingKey)
	}
	fmt.Fprintf(out, "  Max field ID:   %s\n", humanize.Comma(int64(s.MaxFieldID)))

	c := r.cfg.Combine
	fmt.Fprintf(out, "\nCombination:\n")
	fmt.Fprintf(out, "  Type:           %s, center %s, background %s\n", c.CombineType, c.CenterType, c.BackType)
	fmt.Fprintf(out, "  Min unmasked:   %d\n", c.MinUnmasked)
	fmt.Fprintf(out, "  Optimal coadd:  %t\n", r.cfg.Coadd.Enabled)
	if r.cfg.Coadd.Enabled {
		fmt.Fprintf(out, "  Subimage size:  %d px, border %d px\n", r.cfg.Coadd.SubimageSize, r.cfg.Coadd.Border)
	}
	if d := r.cfg.Downstream; d.Command != "" {
		fmt.Fprintf(out, "  Downstream:     %s %s\n", d.Command, strings.Join(d.Args, " "))
	}

	fmt.Fprintf(out, "\nProcessing:\n")
	fmt.Fprintf(out, "  Parallel jobs:  %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Fprintf(out, "  Threads/job:    %d\n", r.cfg.Processing.Threads)
	fmt.Fprintf(out, "  Keep scratch:   %t\n", r.cfg.Processing.KeepTmp)
	fmt.Fprintf(out, "\nLogging: %s (%s), dir %s\n", r.cfg.Logging.Level, r.cfg.Logging.Format, r.cfg.Logging.LogDir)
	fmt.Fprintf(out, "Server:  http %s, grpc %s\n", r.cfg.Server.Addr, r.cfg.Server.GRPCAddr)
	return nil
}

func (r *Root) cmdVersion() {
	fmt.Fprintf(r.out, "refbuild v%s\n", config.Version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
}
