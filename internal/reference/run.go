package reference

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"refbuild/internal/catalog"
	"refbuild/internal/colfig"
	"refbuild/internal/config"
	"refbuild/internal/diagnostics"
	"refbuild/internal/fsutil"
	"refbuild/internal/logging"
	"refbuild/internal/pipeline"
	"refbuild/internal/selector"
	"refbuild/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Batcher runs a batch of jobs to completion.
type Batcher interface {
	RunBatch(ctx context.Context, jobs []pipeline.Job) ([]pipeline.Result, error)
}

// Summary is the outcome of one run.
type Summary struct {
	RunID    string
	Files    int
	Report   selector.CutReport
	Built    int
	Skipped  int
	Failed   int
	Colfigs  int
	Duration time.Duration
}

// Engine drives one invocation: discover, scan, select, dispatch.
type Engine struct {
	Cfg    *config.Config
	Run    *config.RunContext
	Store  *storage.Store
	Pipe   Batcher
	Reader catalog.HeaderReader // fitsimg.ReadHeader when nil
	Log    *slog.Logger
}

// Execute runs the whole selection and reference building. Failures of
// the header scan and of dispatch abort the run; failures of single
// cohorts are counted and logged.
func (e *Engine) Execute(ctx context.Context) (Summary, error) {
	log := logging.OrDiscard(e.Log)
	start := time.Now()
	rc := e.Run
	sum := Summary{RunID: rc.RunID}
	paths := e.Cfg.Paths.ForTelescope(rc.Telescope)

	run := storage.RunRecord{
		ID:           rc.RunID,
		Telescope:    rc.Telescope,
		DateStart:    rc.DateStart,
		DateEnd:      rc.DateEnd,
		FieldPattern: rc.FieldPattern,
		Filters:      rc.Filters,
		QCFlagMax:    rc.QCFlagMax,
		SeeingMax:    rc.SeeingMax,
	}
	if err := e.Store.RecordRunStart(run); err != nil {
		log.Warn("unable to record run start", "run", rc.RunID, "error", err)
	}
	finish := func(status string, err error) (Summary, error) {
		sum.Duration = time.Since(start)
		run.Status = status
		run.FilesConsidered = sum.Files
		run.Cohorts = sum.Report.Cohorts
		run.Built, run.Skipped, run.Failed = sum.Built, sum.Skipped, sum.Failed
		if rerr := e.Store.RecordRunResult(run); rerr != nil {
			log.Warn("unable to record run result", "run", rc.RunID, "error", rerr)
		}
		logSummary(log, status, sum)
		return sum, err
	}

	crit, err := e.criteria()
	if err != nil {
		return finish("failed", err)
	}

	files, err := fsutil.ListReduced(paths.RedDir)
	if err != nil {
		return finish("failed", fmt.Errorf("list reduced images: %w", err))
	}
	sum.Files = len(files)
	log.Info("reduced images found", "red_dir", paths.RedDir, "files", humanize.Comma(int64(len(files))))

	recs, err := catalog.Scan(ctx, files, catalog.ScanOptions{
		SortKey:    e.Cfg.Selection.SubsetKey,
		SeeingKey:  e.Cfg.Selection.SeeingKey,
		ReadSeeing: rc.SeeingMax > 0,
		Workers:    e.Cfg.Processing.ParallelJobs,
	}, e.Reader, log)
	if err != nil {
		log.Error("exception was raised during header scan", "error", err)
		return finish("failed", err)
	}
	if err := e.Store.RecordExposures(rc.RunID, exposureRows(recs)); err != nil {
		log.Warn("unable to record exposures", "error", err)
	}

	policy := selector.CapPolicy{
		NMax:   e.Cfg.Selection.SubsetNMax,
		Key:    e.Cfg.Selection.SubsetKey,
		LowEnd: e.Cfg.Selection.SubsetLowEnd,
	}
	cohorts, report := selector.Select(recs, crit, policy, log)
	sum.Report = report
	if len(cohorts) == 0 {
		return finish("completed", nil)
	}
	e.plot(cohorts, policy, log)
	e.checkScratch(cohorts, paths.TmpDir, log)

	jobs := make([]pipeline.Job, len(cohorts))
	for i, c := range cohorts {
		jobs[i] = pipeline.Job{
			ID:     "ref-" + uuid.NewString(),
			Type:   pipeline.JobReference,
			Input:  c.Name(),
			Output: filepath.Join(RefDir(paths.RefDir, c.FieldID), RefBase(rc.Telescope, c.Filter)+"_red.fits"),
			Options: map[string]any{
				"telescope": rc.Telescope,
				"field_id":  c.FieldID,
				"filter":    c.Filter,
				"members":   len(c.Members),
			},
			Payload: Task{Cohort: c},
		}
	}
	results, err := e.Pipe.RunBatch(ctx, jobs)
	if err != nil {
		log.Error("exception was raised while dispatching reference jobs", "error", err)
		return finish("failed", err)
	}
	for _, res := range results {
		switch {
		case res.Error != nil:
			sum.Failed++
		case res.Meta["status"] == StatusSkipped:
			sum.Skipped++
		default:
			sum.Built++
		}
	}

	if rc.MakeColfig {
		sum.Colfigs = e.colfigs(ctx, cohorts, log)
	}

	return finish("completed", nil)
}

func (e *Engine) criteria() (selector.Criteria, error) {
	rc := e.Run
	crit := selector.Criteria{
		MJDStart:     rc.MJDStart,
		MJDEnd:       rc.MJDEnd,
		FieldPattern: rc.FieldPattern,
		Filters:      rc.FilterList(),
		SeeingMax:    rc.SeeingMax,
		MaxFieldID:   e.Cfg.Selection.MaxFieldID,
	}
	if rc.QCFlagMax != "" {
		q, err := catalog.ParseQCFlag(rc.QCFlagMax)
		if err != nil {
			return crit, err
		}
		crit.QCFlagMax = &q
	}
	return crit, crit.Validate()
}

func (e *Engine) plot(cohorts []selector.Cohort, policy selector.CapPolicy, log *slog.Logger) {
	if !e.Cfg.Diagnostics.Enabled {
		return
	}
	for _, c := range cohorts {
		if !c.Capped {
			continue
		}
		path := filepath.Join(e.Cfg.Diagnostics.Dir, fmt.Sprintf("%s_%s_subset.png", e.Run.Telescope, c.Name()))
		if err := diagnostics.PlotCohort(c, policy, path); err != nil {
			log.Warn("unable to plot cohort subset", "cohort", c.Name(), "error", err)
		}
	}
}

// checkScratch warns when the scratch filesystem cannot hold the largest
// cohorts running at once. The run goes ahead regardless.
func (e *Engine) checkScratch(cohorts []selector.Cohort, tmp string, log *slog.Logger) {
	var largest []string
	for _, c := range cohorts {
		if len(c.Members) > len(largest) {
			largest = c.Paths()
		}
	}
	need, err := fsutil.EstimateScratch(largest)
	if err != nil {
		log.Debug("failed to estimate scratch space", "error", err)
		return
	}
	jobs := e.Cfg.Processing.ParallelJobs
	if jobs > len(cohorts) {
		jobs = len(cohorts)
	}
	fsutil.CheckScratch(tmp, need, jobs, log)
}

// colfigs queues one color figure per field and returns how many were made.
func (e *Engine) colfigs(ctx context.Context, cohorts []selector.Cohort, log *slog.Logger) int {
	log.Info("preparing color figures")
	seen := make(map[int]bool)
	var jobs []pipeline.Job
	for _, c := range cohorts {
		if seen[c.FieldID] {
			continue
		}
		seen[c.FieldID] = true
		jobs = append(jobs, pipeline.Job{
			ID:      "colfig-" + uuid.NewString(),
			Type:    pipeline.JobColfig,
			Input:   fmt.Sprintf("%05d", c.FieldID),
			Options: map[string]any{"field_id": c.FieldID, "filters": e.Run.ColfigBands},
			Payload: colfig.Task{FieldID: c.FieldID, Filters: e.Run.ColfigBands},
		})
	}
	results, err := e.Pipe.RunBatch(ctx, jobs)
	if err != nil {
		log.Error("exception was raised while preparing color figures", "error", err)
		return 0
	}
	made := 0
	for _, res := range results {
		if res.Error == nil && res.Meta["figure"] != nil {
			made++
		}
	}
	return made
}

func exposureRows(recs []catalog.ExposureRecord) []storage.ExposureRow {
	rows := make([]storage.ExposureRow, len(recs))
	for i, r := range recs {
		rows[i] = storage.ExposureRow{
			Path:      r.Path,
			MJD:       r.MJD,
			FieldID:   r.FieldID,
			Filter:    r.Filter,
			QCFlag:    r.QC.String(),
			SortValue: r.SortValue,
		}
		if !math.IsNaN(r.Seeing) {
			s := r.Seeing
			rows[i].Seeing = &s
		}
	}
	return rows
}

func logSummary(log *slog.Logger, status string, s Summary) {
	args := []any{
		"status", status,
		"files_considered", humanize.Comma(int64(s.Files)),
		"usable", humanize.Comma(int64(s.Report.Considered)),
	}
	for _, c := range s.Report.Cuts {
		args = append(args, "after_"+c.Name, c.Remaining)
	}
	args = append(args,
		"cohorts", s.Report.Cohorts,
		"built", s.Built,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"elapsed", s.Duration.Round(time.Second).String(),
	)
	if s.Colfigs > 0 {
		args = append(args, "color_figures", s.Colfigs)
	}
	log.Info("run summary", args...)
}
