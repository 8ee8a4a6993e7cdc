package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"refbuild/internal/catalog"
	"refbuild/internal/coadd"
	"refbuild/internal/colfig"
	"refbuild/internal/config"
	"refbuild/internal/fsutil"
	"refbuild/internal/imcombine"
	"refbuild/internal/logging"
	"refbuild/internal/pipeline"
	"refbuild/internal/reference"
	"refbuild/internal/selector"
	"refbuild/internal/storage"
	"refbuild/internal/tools"

	"github.com/google/uuid"
)

type toolManager interface {
	Binary(toolName string) string
	Required() []string
	GetToolStatus() map[string]tools.ToolStatus
	Missing() []string
}

type toolManagerFactory func(*config.Config) toolManager

// backends builds the processing stages of a run.
type backends struct {
	combiner func(cfg *config.Config, tm toolManager, log *slog.Logger) reference.Combiner
	coadder  func(cfg *config.Config, tm toolManager, log *slog.Logger) reference.Coadder
	runner   func(log *slog.Logger) tools.Runner
}

func defaultBackends() backends {
	return backends{
		combiner: func(cfg *config.Config, tm toolManager, log *slog.Logger) reference.Combiner {
			return &imcombine.Combiner{
				Runner:  tools.ExecRunner{Log: log},
				Swarp:   tm.Binary("swarp"),
				Funpack: tm.Binary("funpack"),
			}
		},
		coadder: func(cfg *config.Config, tm toolManager, log *slog.Logger) reference.Coadder {
			return &coadd.Builder{Runner: tools.ExecRunner{Log: log}, PSFEx: tm.Binary("psfex")}
		},
		runner: func(log *slog.Logger) tools.Runner { return tools.ExecRunner{Log: log} },
	}
}

// Root wires CLI commands to the pipeline. One pipeline serves the whole
// process; every run installs its own router before dispatching.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	sink  *logging.Sink

	ctx      context.Context
	pipeOnce sync.Once
	pipe     *pipeline.Pipeline
	current  atomic.Pointer[pipeline.Router]
	dirs     fsutil.DirMaker

	toolFactory toolManagerFactory
	backends    backends
	reader      catalog.HeaderReader
	now         func() time.Time
	out         io.Writer
}

// NewRoot constructs the CLI root. The worker pool starts with the first
// run so that flags can still size it. sink may be nil, in which case the
// log stream endpoint is disabled.
func NewRoot(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store, sink *logging.Sink) *Root {
	return &Root{
		ctx:   ctx,
		cfg:   cfg,
		log:   logging.OrDiscard(logger),
		store: store,
		sink:  sink,
		toolFactory: func(cfg *config.Config) toolManager {
			return tools.NewToolManager(cfg, logger)
		},
		backends: defaultBackends(),
		now:      time.Now,
		out:      os.Stdout,
	}
}

// pipeline returns the worker pool, starting it on first use.
func (r *Root) pipeline() *pipeline.Pipeline {
	r.pipeOnce.Do(func() {
		r.pipe = pipeline.New(r.ctx, r.cfg.Processing.ParallelJobs, r.log, r.store, pipeline.ProcessorFunc(r.dispatch))
	})
	return r.pipe
}

// Close stops the worker pool.
func (r *Root) Close() {
	r.pipeOnce.Do(func() {})
	if r.pipe != nil {
		r.pipe.Stop()
	}
}

func (r *Root) dispatch(ctx context.Context, job pipeline.Job) pipeline.Result {
	router := r.current.Load()
	if router == nil {
		return pipeline.Result{Job: job, Error: fmt.Errorf("no run active for job %s", job.ID)}
	}
	return router.Process(ctx, job)
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tools.NewToolManager(r.cfg, r.log)
}

// runOptions are the per-invocation inputs given on the command line.
type runOptions struct {
	Telescope    string
	DateStart    string
	DateEnd      string
	FieldPattern string
	Filters      string
	QCFlagMax    string
	SeeingMax    float64
	MakeColfig   bool
	ColfigBands  string
}

func (r *Root) defaultRunOptions() runOptions {
	return runOptions{
		Telescope:   "ML1",
		QCFlagMax:   r.cfg.Selection.QCFlagMax,
		SeeingMax:   r.cfg.Selection.SeeingMax,
		ColfigBands: r.cfg.Colfig.Filters,
	}
}

// newRunContext resolves the date window and stamps a fresh run identity.
func (r *Root) newRunContext(opts runOptions) (*config.RunContext, error) {
	now := r.now()
	start, err := selector.ParseDate(opts.DateStart, now, true)
	if err != nil {
		return nil, err
	}
	end, err := selector.ParseDate(opts.DateEnd, now, false)
	if err != nil {
		return nil, err
	}
	rc := &config.RunContext{
		RunID:        newID(),
		Telescope:    opts.Telescope,
		DateStart:    opts.DateStart,
		DateEnd:      opts.DateEnd,
		MJDStart:     start,
		MJDEnd:       end,
		FieldPattern: opts.FieldPattern,
		Filters:      opts.Filters,
		QCFlagMax:    opts.QCFlagMax,
		SeeingMax:    opts.SeeingMax,
		MakeColfig:   opts.MakeColfig,
		ColfigBands:  opts.ColfigBands,
		StartedAt:    now.UTC(),
		Version:      config.Version,
	}
	return rc, rc.Validate(r.cfg)
}

// router builds the job handlers of one run.
func (r *Root) router(rc *config.RunContext) (*pipeline.Router, error) {
	paths := r.cfg.Paths.ForTelescope(rc.Telescope)
	tm := r.newToolManager()

	var grid imcombine.FieldGrid
	if paths.FieldGrid != "" {
		g, err := imcombine.LoadFieldGrid(paths.FieldGrid)
		if err != nil {
			return nil, fmt.Errorf("load field grid: %w", err)
		}
		grid = g
	}

	b := &reference.Builder{
		Cfg:      r.cfg,
		Run:      rc,
		Paths:    paths,
		Store:    r.store,
		Combiner: r.backends.combiner(r.cfg, tm, r.log),
		Runner:   r.backends.runner(r.log),
		Grid:     grid,
		Dirs:     &r.dirs,
		Log:      r.log,
	}
	if r.cfg.Coadd.Enabled {
		b.Coadder = r.backends.coadder(r.cfg, tm, r.log)
	}
	m := &colfig.Maker{
		RefRoot:   paths.RefDir,
		Telescope: rc.Telescope,
		Filters:   r.cfg.Colfig.Filters,
		NStd:      r.cfg.Colfig.NStd,
		Log:       r.log,
	}
	return pipeline.NewRouter().
		Handle(pipeline.JobReference, b).
		Handle(pipeline.JobColfig, m), nil
}

// execute performs one full run. Runs are serialized by the callers.
func (r *Root) execute(ctx context.Context, rc *config.RunContext) (reference.Summary, error) {
	router, err := r.router(rc)
	if err != nil {
		return reference.Summary{RunID: rc.RunID}, err
	}
	r.current.Store(router)
	defer r.current.Store(nil)

	log := r.log.With("run", rc.RunID)
	log.Info("starting reference run",
		"telescope", rc.Telescope,
		"time_range", rc.TimeRange(),
		"field_id", rc.FieldPattern,
		"filters", rc.Filters,
		"qc_flag_max", rc.QCFlagMax,
	)
	eng := &reference.Engine{
		Cfg:    r.cfg,
		Run:    rc,
		Store:  r.store,
		Pipe:   r.pipeline(),
		Reader: r.reader,
		Log:    log,
	}
	return eng.Execute(ctx)
}

func newID() string {
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}
