package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"refbuild/internal/config"
	"refbuild/internal/fitsimg"
	"refbuild/internal/imcombine"
	"refbuild/internal/pipeline"
	"refbuild/internal/reference"
	"refbuild/internal/storage"
	"refbuild/internal/tools"
)

type stubToolManager struct {
	missing []string
}

func (s *stubToolManager) Binary(name string) string { return name }
func (s *stubToolManager) Required() []string        { return []string{"swarp"} }
func (s *stubToolManager) Missing() []string         { return s.missing }
func (s *stubToolManager) GetToolStatus() map[string]tools.ToolStatus {
	return map[string]tools.ToolStatus{
		"swarp": {Available: len(s.missing) == 0, Version: "2.41.5", Path: "/usr/bin/swarp"},
		"psfex": {Available: false, Error: fmt.Errorf("not found")},
	}
}

// stubCombiner writes a minimal reference carrying its provenance cards.
type stubCombiner struct {
	mu    sync.Mutex
	calls int
}

func (s *stubCombiner) Combine(ctx context.Context, req imcombine.Request) (*imcombine.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	fp := imcombine.NewFingerprint(req.Images)
	img := fitsimg.New(2, 2)
	img.Header.Set("R-NUSED", len(fp.IDs), "")
	for i, id := range fp.IDs {
		img.Header.Set(fmt.Sprintf("R-IM%d", i+1), id, "")
	}
	if err := fitsimg.WriteImage(req.Output, img); err != nil {
		return nil, err
	}
	res := &imcombine.Result{Image: req.Output, Fingerprint: fp}
	for _, p := range req.Images {
		res.Members = append(res.Members, &imcombine.Member{Path: p, ID: fitsimg.BaseID(p)})
	}
	return res, nil
}

type testEnv struct {
	root  *Root
	out   *bytes.Buffer
	comb  *stubCombiner
	tools *stubToolManager
	dir   string
}

func newTestRoot(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.LoadFile(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Paths.RedDir = filepath.Join(dir, "{tel}", "red")
	cfg.Paths.RefDir = filepath.Join(dir, "{tel}", "ref")
	cfg.Paths.TmpDir = filepath.Join(dir, "{tel}", "tmp")
	cfg.Logging.FileOutput = false

	store, err := storage.New(filepath.Join(dir, "refbuild.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{out: &bytes.Buffer{}, comb: &stubCombiner{}, tools: &stubToolManager{}, dir: dir}
	root := NewRoot(context.Background(), cfg, slog.New(slog.DiscardHandler), store, nil)
	root.out = env.out
	root.toolFactory = func(*config.Config) toolManager { return env.tools }
	root.backends.combiner = func(*config.Config, toolManager, *slog.Logger) reference.Combiner { return env.comb }
	root.now = func() time.Time { return time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC) }
	t.Cleanup(root.Close)
	env.root = root
	return env
}

// seed writes empty reduced images for field 12 and serves their headers.
func (e *testEnv) seed(t *testing.T, names ...string) {
	t.Helper()
	day := filepath.Join(e.dir, "ML1", "red", "2024", "01", "05")
	if err := os.MkdirAll(day, 0o755); err != nil {
		t.Fatal(err)
	}
	headers := make(map[string]*fitsimg.Header)
	for _, n := range names {
		path := filepath.Join(day, "ML1_"+n+"_red.fits")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		h := fitsimg.NewHeader()
		h.Set("MJD-OBS", 60314.9, "")
		h.Set("OBJECT", "00012", "")
		h.Set("FILTER", "u", "")
		h.Set("QC-FLAG", "green", "")
		h.Set("LIMMAG", 20.5, "")
		headers[path] = h
	}
	e.root.reader = func(path string) (*fitsimg.Header, error) {
		if h, ok := headers[path]; ok {
			return h, nil
		}
		return nil, os.ErrNotExist
	}
}

func TestRunBuildsThenSkipsReference(t *testing.T) {
	env := newTestRoot(t)
	env.seed(t, "20240105_010000", "20240105_020000")
	args := []string{"run", "--telescope", "ML1", "--filters", "u", "--date-start", "20240101", "--date-end", "20240108"}

	if err := Execute(context.Background(), env.root, args); err != nil {
		t.Fatalf("run: %v", err)
	}
	ref := filepath.Join(env.dir, "ML1", "ref", "00012", "ML1_u_red.fits")
	if !fitsimg.Exists(ref) {
		t.Fatalf("reference %s not written", ref)
	}
	if !strings.Contains(env.out.String(), "1 built") {
		t.Fatalf("unexpected report %q", env.out.String())
	}

	env.out.Reset()
	if err := Execute(context.Background(), env.root, args); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !strings.Contains(env.out.String(), "1 skipped") || env.comb.calls != 1 {
		t.Fatalf("unchanged cohort should be skipped: %q, %d combines", env.out.String(), env.comb.calls)
	}

	runs, err := env.root.store.Runs(10)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 || runs[0].Status != "completed" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestRunValidatesArguments(t *testing.T) {
	env := newTestRoot(t)
	if err := Execute(context.Background(), env.root, []string{"run", "--telescope", "XX9"}); err == nil {
		t.Fatalf("expected error for unknown telescope")
	}
	if err := Execute(context.Background(), env.root, []string{"run", "--date-start", "not-a-date"}); err == nil {
		t.Fatalf("expected error for invalid date")
	}
	if err := Execute(context.Background(), env.root, []string{"run", "extra"}); err == nil {
		t.Fatalf("expected error for positional argument")
	}
}

func TestRunRequiresTools(t *testing.T) {
	env := newTestRoot(t)
	env.tools.missing = []string{"swarp"}
	err := Execute(context.Background(), env.root, []string{"run"})
	if err == nil || !strings.Contains(err.Error(), "swarp") {
		t.Fatalf("expected missing tool error, got %v", err)
	}
}

func TestToolsReport(t *testing.T) {
	env := newTestRoot(t)
	if err := Execute(context.Background(), env.root, []string{"tools", "--verbose"}); err != nil {
		t.Fatalf("tools: %v", err)
	}
	out := env.out.String()
	if !strings.Contains(out, "swarp") || !strings.Contains(out, "(required)") || !strings.Contains(out, "2.41.5") {
		t.Fatalf("unexpected tools output %q", out)
	}
}

func TestVersionAndConfigShow(t *testing.T) {
	env := newTestRoot(t)
	if err := Execute(context.Background(), env.root, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(env.out.String(), config.Version) {
		t.Fatalf("version output %q", env.out.String())
	}
	env.out.Reset()
	if err := Execute(context.Background(), env.root, []string{"config", "show"}); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(env.out.String(), "ML1") || !strings.Contains(env.out.String(), "20,000") {
		t.Fatalf("config output %q", env.out.String())
	}
}

func TestDispatchOutsideRunFails(t *testing.T) {
	env := newTestRoot(t)
	res := env.root.dispatch(context.Background(), pipeline.Job{ID: "ref-x", Type: pipeline.JobReference})
	if res.Error == nil {
		t.Fatalf("expected error when no run is active")
	}
}
