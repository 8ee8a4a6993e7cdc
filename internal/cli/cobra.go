package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"refbuild/internal/reference"
	"refbuild/internal/server"
	"refbuild/internal/watch"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "refbuild",
		Short: "Build co-added reference images from reduced exposures",
		Long: `refbuild selects the reduced images of each field and filter, combines
them into a reference image and optionally an optimal co-addition, and keeps
the reference tree up to date.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// runFlags registers the selection flags shared by run and watch.
func runFlags(cmd *cobra.Command, root *Root, opts *runOptions) {
	*opts = root.defaultRunOptions()
	f := cmd.Flags()
	f.StringVar(&opts.Telescope, "telescope", opts.Telescope, "telescope whose images are combined")
	f.StringVar(&opts.DateStart, "date-start", "", "start of the window: yyyymmdd or days relative to today")
	f.StringVar(&opts.DateEnd, "date-end", "", "end of the window: yyyymmdd or days relative to today")
	f.StringVar(&opts.FieldPattern, "field-id", "", "shell pattern over field numbers, e.g. '16*'")
	f.StringVar(&opts.Filters, "filters", "", "filters to process, e.g. 'uqi'; all when empty")
	f.StringVar(&opts.QCFlagMax, "qc-flag-max", opts.QCFlagMax, "worst QC flag accepted (green|yellow|orange|red)")
	f.Float64Var(&opts.SeeingMax, "seeing-max", opts.SeeingMax, "maximum seeing in arcsec; 0 disables the cut")
	f.BoolVar(&opts.MakeColfig, "make-colfig", false, "prepare a color figure per field")
	f.StringVar(&opts.ColfigBands, "filters-colfig", opts.ColfigBands, "filters of the color figure, red first")
	f.IntVar(&root.cfg.Processing.ParallelJobs, "nproc", root.cfg.Processing.ParallelJobs, "number of reference jobs run in parallel")
	f.IntVar(&root.cfg.Processing.Threads, "nthread", root.cfg.Processing.Threads, "threads per job handed to SWarp and PSFEx")
	f.BoolVar(&root.cfg.Processing.KeepTmp, "keep-tmp", root.cfg.Processing.KeepTmp, "keep the scratch directories")
}

func (r *Root) checkTools() error {
	if missing := r.newToolManager().Missing(); len(missing) > 0 {
		return fmt.Errorf("required tools not available: %s (see 'refbuild tools')", strings.Join(missing, ", "))
	}
	return nil
}

func (r *Root) report(sum reference.Summary) {
	fmt.Fprintf(r.out, "%s: %s files, %d cohorts, %d built, %d skipped, %d failed in %s\n",
		sum.RunID, humanize.Comma(int64(sum.Files)), sum.Report.Cohorts,
		sum.Built, sum.Skipped, sum.Failed, sum.Duration.Round(time.Millisecond))
}

func newRunCmd(root *Root) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the reference images of the selected fields and filters",
		Long: `Scan the reduced images of a telescope, select the cohort of every
field and filter within the date window and quality cuts, and build each
reference image in parallel.

Examples:
  # every field in u and q over the last year
  refbuild run --telescope ML1 --filters uq --date-start -365

  # fields 16000-16999, color figures included
  refbuild run --field-id '16*' --make-colfig`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.checkTools(); err != nil {
				return err
			}
			rc, err := root.newRunContext(opts)
			if err != nil {
				return err
			}
			sum, err := root.execute(cmd.Context(), rc)
			if err != nil {
				return err
			}
			root.report(sum)
			return nil
		},
	}
	runFlags(cmd, root, &opts)
	return cmd
}

// watchLoop runs the selection whenever reduced images arrive below dir.
// Runs never overlap; images arriving during a run trigger the next one.
func (r *Root) watchLoop(ctx context.Context, dir string, opts runOptions, delay time.Duration) error {
	w, err := watch.New(dir, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	watch.Debounce(ctx, w.Events, delay, func(ctx context.Context, paths []string) {
		r.log.Info("new reduced images", "count", len(paths), "first", paths[0])
		rc, err := r.newRunContext(opts)
		if err != nil {
			r.log.Error("unable to start run", "error", err)
			return
		}
		sum, err := r.execute(ctx, rc)
		if err != nil {
			r.log.Error("run failed", "run", rc.RunID, "error", err)
			return
		}
		r.report(sum)
	})
	return nil
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		opts  runOptions
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch [red_dir]",
		Short: "Rebuild references whenever new reduced images arrive",
		Long: `Monitor the reduced-image tree and start a run once no new image has
arrived for the settle delay. Unchanged cohorts are skipped, so only fields
with new images are rebuilt.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.checkTools(); err != nil {
				return err
			}
			dir := root.cfg.Paths.ForTelescope(opts.Telescope).RedDir
			if len(args) > 0 {
				dir = args[0]
			}
			root.log.Info("watching for reduced images", "red_dir", dir, "delay", delay)
			return root.watchLoop(cmd.Context(), dir, opts, delay)
		},
	}
	runFlags(cmd, root, &opts)
	cmd.Flags().DurationVar(&delay, "delay", 2*time.Minute, "quiet period before a run starts")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		watchDir bool
		opts     runOptions
		delay    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status server",
		Long: `Start an HTTP server exposing runs, references and jobs from the
database, a live stream of job results and of the log, and a gRPC health
service. With --watch the server also rebuilds references as new reduced
images arrive.

Examples:
  refbuild serve --addr :8080 --grpc-addr :9090
  refbuild serve --watch --telescope BG2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			opt := server.Options{
				Addr:     addr,
				GRPCAddr: grpcAddr,
				Store:    root.store,
				Results:  root.pipeline(),
				Log:      root.log,
			}
			if root.sink != nil {
				opt.Logs = root.sink
			}
			srv := server.NewServer(opt)

			var wg sync.WaitGroup
			if watchDir {
				if err := root.checkTools(); err != nil {
					return err
				}
				dir := root.cfg.Paths.ForTelescope(opts.Telescope).RedDir
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := root.watchLoop(ctx, dir, opts, delay); err != nil {
						root.log.Error("watcher stopped", "error", err)
						cancel()
					}
				}()
			}

			err := srv.Start(ctx)
			cancel()
			wg.Wait()
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health listen address; empty disables it")
	cmd.Flags().BoolVar(&watchDir, "watch", false, "rebuild references when new reduced images arrive")
	cmd.Flags().DurationVar(&delay, "delay", 2*time.Minute, "quiet period before a watch run starts")
	runFlags(cmd, root, &opts)
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show the availability of the external tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.toolsReport(verbose)
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "show versions and paths")
	return cmd
}

func (r *Root) toolsReport(verbose bool) error {
	tm := r.newToolManager()
	status := tm.GetToolStatus()
	required := make(map[string]bool)
	for _, name := range tm.Required() {
		required[name] = true
	}

	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(r.out, "refbuild tool status")
	fmt.Fprintln(r.out, strings.Repeat("=", 40))
	for _, name := range names {
		st := status[name]
		mark := "missing"
		if st.Available {
			mark = "ok"
		}
		line := fmt.Sprintf("  %-10s %-8s %s", name, mark, tm.Binary(name))
		if required[name] {
			line += " (required)"
		}
		if verbose {
			if st.Version != "" {
				line += " version " + st.Version
			}
			if st.Path != "" {
				line += " [" + st.Path + "]"
			}
			if st.Error != nil {
				line += " - " + st.Error.Error()
			}
		}
		fmt.Fprintln(r.out, line)
	}
	if missing := tm.Missing(); len(missing) > 0 {
		fmt.Fprintf(r.out, "\nmissing required tools: %s\n", strings.Join(missing, ", "))
	}
	return nil
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the refbuild configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion()
		},
	}
}

// Execute runs the command line against root.
func Execute(ctx context.Context, root *Root, args []string) error {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(root.out)
	return cmd.ExecuteContext(ctx)
}
