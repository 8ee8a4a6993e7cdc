// Package reference builds the reference image of one cohort and runs the
// selection and dispatch of a whole invocation.
package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"refbuild/internal/coadd"
	"refbuild/internal/config"
	"refbuild/internal/fitsimg"
	"refbuild/internal/fsutil"
	"refbuild/internal/imcombine"
	"refbuild/internal/logging"
	"refbuild/internal/pipeline"
	"refbuild/internal/selector"
	"refbuild/internal/storage"
	"refbuild/internal/tools"
)

// Job outcomes reported in Result.Meta["status"].
const (
	StatusBuilt   = "built"
	StatusSkipped = "skipped"
)

// Task is the payload of a pipeline.JobReference job.
type Task struct {
	Cohort selector.Cohort
}

// Combiner produces the weighted combination of a cohort.
type Combiner interface {
	Combine(ctx context.Context, req imcombine.Request) (*imcombine.Result, error)
}

// Coadder produces the optimal co-addition of a combined cohort.
type Coadder interface {
	Build(ctx context.Context, req coadd.Request) (*coadd.Output, error)
}

// Outcome describes what a reference job did.
type Outcome struct {
	Status    string
	Reference string
	NUsed     int
	Archived  []string
}

// Builder processes reference jobs. One Builder serves every worker of a
// run; per-cohort state lives on the stack of Build.
type Builder struct {
	Cfg      *config.Config
	Run      *config.RunContext
	Paths    config.Paths // resolved for Run.Telescope
	Store    *storage.Store
	Combiner Combiner
	Coadder  Coadder // may be nil when co-addition is disabled
	Runner   tools.Runner
	Grid     imcombine.FieldGrid
	Dirs     *fsutil.DirMaker
	Log      *slog.Logger
}

// Process implements pipeline.Processor.
func (b *Builder) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	task, ok := job.Payload.(Task)
	if !ok {
		return pipeline.Result{Job: job, Error: fmt.Errorf("reference job %s: unexpected payload %T", job.ID, job.Payload)}
	}
	out, err := b.Build(ctx, task.Cohort)
	meta := map[string]any{
		"field_id": task.Cohort.FieldID,
		"filter":   task.Cohort.Filter,
		"status":   out.Status,
		"n_used":   out.NUsed,
	}
	if out.Reference != "" {
		meta["reference"] = out.Reference
	}
	if len(out.Archived) > 0 {
		meta["archived"] = len(out.Archived)
	}
	return pipeline.Result{Job: job, Error: err, Meta: meta}
}

// RefDir is the reference directory of a field.
func RefDir(refRoot string, fieldID int) string {
	return filepath.Join(refRoot, fmt.Sprintf("%05d", fieldID))
}

// RefBase is the common file-name prefix of a reference, e.g. ML1_u.
func RefBase(telescope, filter string) string {
	return telescope + "_" + filter
}

// Build combines one cohort into {ref_dir}/{field}/{tel}_{filter}_red.fits.
// An existing reference built from the same exposures is left alone.
func (b *Builder) Build(ctx context.Context, c selector.Cohort) (Outcome, error) {
	log := logging.OrDiscard(b.Log)
	tel := b.Run.Telescope
	refDir := RefDir(b.Paths.RefDir, c.FieldID)
	base := RefBase(tel, c.Filter)
	refImage := filepath.Join(refDir, base+"_red.fits")
	images := c.Paths()
	fp := imcombine.NewFingerprint(images)

	if err := b.dirs().MakeDir(refDir, false); err != nil {
		return Outcome{}, err
	}

	unchanged, err := imcombine.Unchanged(refImage, images)
	if err != nil {
		log.Warn("unable to compare with existing reference, rebuilding", "reference", refImage, "error", err)
	}
	if unchanged {
		log.Info("reference image with same set of images already present; skipping",
			"field_id", c.FieldID, "filter", c.Filter, "reference", refImage)
		b.record(c, refImage, fp, StatusSkipped, log)
		return Outcome{Status: StatusSkipped, Reference: refImage, NUsed: len(fp.IDs)}, nil
	}
	if !b.Cfg.Processing.Overwrite && fitsimg.Exists(refImage) {
		log.Error("reference image exists and overwriting is disabled", "field_id", c.FieldID, "filter", c.Filter, "reference", refImage)
		return Outcome{}, fmt.Errorf("%s: %w: %s", c.Name(), imcombine.ErrOutputExists, refImage)
	}

	tmp := filepath.Join(b.Paths.TmpDir, fmt.Sprintf("%05d", c.FieldID), base+"_red")
	if err := b.dirs().MakeDir(tmp, true); err != nil {
		return Outcome{}, err
	}
	tmpImage := filepath.Join(tmp, base+"_red.fits")

	jobLog, closeLog, err := logging.OpenJobLog(strings.TrimSuffix(tmpImage, ".fits")+".log", b.Log,
		logging.ParseLevel(b.Cfg.Logging.Level), "field_id", c.FieldID, "filter", c.Filter)
	if err != nil {
		return Outcome{}, err
	}
	logOpen := true
	closeJobLog := func() {
		if logOpen {
			logOpen = false
			_ = closeLog()
		}
	}
	defer closeJobLog()

	name := c.Name()
	logging.LogProcessingStep(jobLog, name, "imcombine", "started", map[string]any{"images": len(images)})
	res, err := b.combine(ctx, c, images, tmp, tmpImage, jobLog)
	if err != nil {
		jobLog.Error("exception was raised during imcombine", "error", err)
		return Outcome{}, fmt.Errorf("imcombine %s: %w", name, err)
	}
	logging.LogProcessingStep(jobLog, name, "imcombine", "completed", map[string]any{"used": len(res.Used())})

	if b.Cfg.Coadd.Enabled && b.Coadder != nil {
		logging.LogProcessingStep(jobLog, name, "coadd", "started", nil)
		if err := b.coadd(ctx, res, tmp, jobLog); err != nil {
			jobLog.Error("exception was raised during optimal co-addition", "error", err)
			return Outcome{}, fmt.Errorf("coadd %s: %w", name, err)
		}
		logging.LogProcessingStep(jobLog, name, "coadd", "completed", nil)
	}

	if b.Cfg.Downstream.Command != "" {
		logging.LogProcessingStep(jobLog, name, "downstream", "started", map[string]any{"command": b.Cfg.Downstream.Command})
	}
	if err := b.downstream(ctx, res, tmp, jobLog); err != nil {
		jobLog.Error("due to exception: returning without copying reference files", "error", err)
		return Outcome{}, fmt.Errorf("downstream %s: %w", name, err)
	}

	logging.LogProcessingStep(jobLog, name, "copy", "started", map[string]any{"from": tmp, "to": refDir})
	closeJobLog()

	archived, err := fsutil.MoveMatching(refDir, base+"_", "Old")
	if err != nil {
		return Outcome{}, err
	}
	if len(archived) > 0 {
		log.Info("archived previous reference files", "field_id", c.FieldID, "filter", c.Filter, "files", len(archived))
	}
	if err := copyKept(tmp, refDir, base, b.Cfg.Combine.KeepSuffixes, log); err != nil {
		return Outcome{}, err
	}
	logging.LogProcessingStep(log, name, "copy", "completed", map[string]any{"archived": len(archived)})

	used := imcombine.NewFingerprint(res.Used())
	b.record(c, refImage, used, StatusBuilt, log)

	if !b.Cfg.Processing.KeepTmp {
		if err := os.RemoveAll(tmp); err != nil {
			log.Warn("unable to remove scratch directory", "path", tmp, "error", err)
		}
	}
	log.Info("finished making reference image", "reference", refImage, "n_used", len(used.IDs))
	return Outcome{Status: StatusBuilt, Reference: refImage, NUsed: len(used.IDs), Archived: archived}, nil
}

func (b *Builder) dirs() *fsutil.DirMaker {
	if b.Dirs == nil {
		b.Dirs = &fsutil.DirMaker{}
	}
	return b.Dirs
}

func (b *Builder) combine(ctx context.Context, c selector.Cohort, images []string, tmp, output string, log *slog.Logger) (*imcombine.Result, error) {
	cc := b.Cfg.Combine
	log.Info("running imcombine", "outputfile", output, "images", len(images))
	return b.Combiner.Combine(ctx, imcombine.Request{
		FieldID:        c.FieldID,
		Images:         images,
		Output:         output,
		TmpDir:         tmp,
		CombineType:    imcombine.CombineType(cc.CombineType),
		CenterType:     imcombine.CenterType(cc.CenterType),
		BackType:       imcombine.BackType(cc.BackType),
		BackDefault:    cc.BackDefault,
		BackSize:       cc.BackSize,
		BackFilterSize: cc.BackFilterSize,
		MaskDiscard:    cc.MaskDiscard,
		MinUnmasked:    cc.MinUnmasked,
		RemapMasks:     cc.RemapMasks,
		SwarpConfig:    b.Paths.SwarpConfig,
		Threads:        b.Cfg.Processing.Threads,
		Overwrite:      b.Cfg.Processing.Overwrite,
		FieldGrid:      b.Grid,
		Keys: imcombine.Keys{
			ZeroPoint:  cc.ZeroPointKey,
			Extinction: cc.ExtinctionKey,
		},
		Provenance: imcombine.Provenance{
			Version:   b.Run.Version,
			StartedAt: b.Run.StartedAt,
			TimeRange: b.Run.TimeRange(),
			QCMax:     b.Run.QCFlagMax,
			SeeingMax: b.Run.SeeingMax,
		},
		Log: log,
	})
}

func (b *Builder) coadd(ctx context.Context, res *imcombine.Result, tmp string, log *slog.Logger) error {
	co := b.Cfg.Coadd
	inputs := make([]coadd.Input, len(res.Members))
	for i, m := range res.Members {
		inputs[i] = coadd.Input{Image: m.Path, Resampled: m.Resampled, Header: m.Header, Gain: m.Gain}
	}
	stem := strings.TrimSuffix(res.Image, ".fits")
	_, err := b.Coadder.Build(ctx, coadd.Request{
		Reference:     res.Image,
		Inputs:        inputs,
		Output:        stem + "_optimal.fits",
		PSFOutput:     stem + "_optimal_psf.fits",
		TmpDir:        tmp,
		PSFExConfig:   b.Paths.PSFExConfig,
		CatalogSuffix: co.CatalogSuffix,
		PSFSuffix:     co.PSFSuffix,
		FluxColumn:    co.FluxColumn,
		MatchRadius:   co.MatchRadiusArcsec,
		Sampling:      co.PSFSampling,
		PSFRadius:     co.PSFRadius,
		Options: coadd.Options{
			SubimageSize:    co.SubimageSize,
			Border:          co.Border,
			LocalRatios:     co.FluxRatioLocal,
			MinLocalMatches: co.MinLocalMatches,
			Workers:         b.Cfg.Processing.Threads,
			Log:             log,
		},
	})
	return err
}

// downstream runs the configured command on the combined image inside the
// scratch directory. {image} and {mask} in the arguments are substituted.
func (b *Builder) downstream(ctx context.Context, res *imcombine.Result, tmp string, log *slog.Logger) error {
	ds := b.Cfg.Downstream
	if ds.Command == "" {
		return nil
	}
	if b.Runner == nil {
		return errors.New("no runner for downstream command")
	}
	repl := strings.NewReplacer("{image}", res.Image, "{mask}", res.Mask)
	args := make([]string, len(ds.Args))
	for i, a := range ds.Args {
		args[i] = repl.Replace(a)
	}
	cmd := tools.Command{Name: ds.Command, Args: args, Dir: tmp}
	log.Info("running downstream processing", "command", cmd.String())
	out, err := b.Runner.Run(ctx, cmd)
	if len(out) > 0 {
		log.Debug("downstream output", "output", string(out))
	}
	return err
}

// copyKept copies {tmp}/{base}{suffix} into refDir for every suffix that
// was produced, plain or fpacked.
func copyKept(tmp, refDir, base string, suffixes []string, log *slog.Logger) error {
	for _, s := range suffixes {
		src := filepath.Join(tmp, base+s)
		if strings.HasSuffix(src, ".fits") {
			resolved, ok := fitsimg.ResolvePath(src)
			if !ok {
				log.Debug("no file to keep", "suffix", s)
				continue
			}
			src = resolved
		} else if _, err := os.Stat(src); err != nil {
			log.Debug("no file to keep", "suffix", s)
			continue
		}
		dst := filepath.Join(refDir, filepath.Base(src))
		if err := fsutil.CopyFile(src, dst); err != nil {
			return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
		}
	}
	return nil
}

func (b *Builder) record(c selector.Cohort, ref string, fp imcombine.Fingerprint, status string, log *slog.Logger) {
	err := b.Store.RecordReference(storage.ReferenceRecord{
		RunID:       b.Run.RunID,
		Telescope:   b.Run.Telescope,
		FieldID:     c.FieldID,
		Filter:      c.Filter,
		Path:        ref,
		Fingerprint: fp.Digest(),
		NUsed:       len(fp.IDs),
		Status:      status,
	})
	if err != nil {
		log.Warn("unable to record reference", "reference", ref, "error", err)
	}
}
