package tools

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"refbuild/internal/config"
	"refbuild/internal/logging"
)

func createExecutable(t *testing.T, dir, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("failed to create executable %s: %v", name, err)
	}
	return path
}

func argValue(args []string, flag string) (string, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func TestExecRunnerExitError(t *testing.T) {
	dir := t.TempDir()
	ok := createExecutable(t, dir, "ok", "echo hello")
	bad := createExecutable(t, dir, "bad", "echo broken >&2; exit 3")

	out, err := ExecRunner{}.Run(context.Background(), Command{Name: ok})
	if err != nil || strings.TrimSpace(string(out)) != "hello" {
		t.Fatalf("ok run: %q %v", out, err)
	}

	out, err = ExecRunner{}.Run(context.Background(), Command{Name: bad})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 || !strings.Contains(string(exitErr.Output), "broken") || len(out) == 0 {
		t.Fatalf("unexpected exit error %+v", exitErr)
	}
}

func TestSwarpCombineArgs(t *testing.T) {
	cmd := SwarpCombine{
		Config:      "swarp.config",
		Images:      []string{"/tmp/a.fits", "/tmp/b.fits"},
		CombineType: "weighted",
		ImageOut:    "/tmp/ML1_u_red.fits",
		WeightOut:   "/tmp/ML1_u_red_bkg_std.fits",
		CenterRA:    150.5,
		CenterDec:   -30.25,
		Width:       10560,
		Height:      10560,
		ResampleDir: "/tmp",
		SatKeyword:  "SATURATE",
		BackType:    "manual",
		BackSize:    120,
		Threads:     2,
	}.Command()

	if cmd.Name != "swarp" || cmd.Args[0] != "/tmp/a.fits,/tmp/b.fits" {
		t.Fatalf("unexpected command %s", cmd)
	}
	want := map[string]string{
		"-COMBINE_TYPE":    "WEIGHTED",
		"-WEIGHT_SUFFIX":   WeightSuffix,
		"-WEIGHT_TYPE":     "MAP_WEIGHT",
		"-RESCALE_WEIGHTS": "N",
		"-CENTER_TYPE":     "MANUAL",
		"-CENTER":          "150.500000,-30.250000",
		"-IMAGE_SIZE":      "10560,10560",
		"-RESAMPLING_TYPE": "LANCZOS3",
		"-SUBTRACT_BACK":   "N",
		"-BACK_TYPE":       "MANUAL",
		"-FSCALE_KEYWORD":  "FSCALE",
		"-NTHREADS":        "2",
		"-RESAMPLE_SUFFIX": ResampleSuffix,
	}
	for flag, v := range want {
		got, ok := argValue(cmd.Args, flag)
		if !ok || got != v {
			t.Fatalf("%s = %q, want %q", flag, got, v)
		}
	}
	if keys, _ := argValue(cmd.Args, "-COPY_KEYWORDS"); !strings.Contains(keys, "TELESCOP") {
		t.Fatalf("copy keywords missing TELESCOP: %s", keys)
	}
}

func TestSwarpRemapUsesNearestForMasks(t *testing.T) {
	cmd := SwarpRemap{Image: "m.fits", ImageOut: "m_remap.fits", Width: 100, Height: 80, ResamplingType: "NEAREST", ResampleDir: "/tmp"}.Command()
	if v, _ := argValue(cmd.Args, "-RESAMPLING_TYPE"); v != "NEAREST" {
		t.Fatalf("unexpected resampling %q", v)
	}
	if v, _ := argValue(cmd.Args, "-COMBINE"); v != "N" {
		t.Fatalf("remap must not combine, got %q", v)
	}
	if v, _ := argValue(cmd.Args, "-IMAGE_SIZE"); v != "100,80" {
		t.Fatalf("unexpected size %q", v)
	}
}

func TestPSFExStampSize(t *testing.T) {
	if got := (PSFEx{PSFRadius: 5}).StampSize(); got != 45 {
		t.Fatalf("radius 5 stamp = %d, want 45", got)
	}
	if got := (PSFEx{PSFRadius: 4}).StampSize(); got != 37 {
		t.Fatalf("radius 4 stamp = %d, want 37", got)
	}
	cmd := PSFEx{Catalog: "a_cat.fits", Config: "psfex.config", OutCat: "a.psfexcat", PSFRadius: 5}.Command()
	if v, _ := argValue(cmd.Args, "-PSF_SIZE"); v != "45,45" {
		t.Fatalf("unexpected PSF_SIZE %q", v)
	}
	if got := (PSFEx{Catalog: "/data/a_red_cat.fits"}).ModelPath(); got != "/data/a_red_cat.psf" {
		t.Fatalf("model path = %s", got)
	}
	p := PSFEx{Catalog: "/data/a_red_cat.fits", PSFDir: "/tmp/x"}
	if got := p.ModelPath(); got != "/tmp/x/a_red_cat.psf" {
		t.Fatalf("model path = %s", got)
	}
	if v, _ := argValue(p.Command().Args, "-PSF_DIR"); v != "/tmp/x" {
		t.Fatalf("PSF_DIR = %q", v)
	}
}

func TestDefaultSwarpConfigWritesOutput(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, cmd Command) ([]byte, error) {
		if len(cmd.Args) != 1 || cmd.Args[0] != "-d" {
			t.Fatalf("unexpected args %v", cmd.Args)
		}
		return []byte("COMBINE Y\n"), nil
	})
	path := filepath.Join(t.TempDir(), "swarp.config")
	if err := DefaultSwarpConfig(context.Background(), runner, "", path); err != nil {
		t.Fatalf("default config: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "COMBINE Y\n" {
		t.Fatalf("unexpected config %q", data)
	}
}

func TestToolManagerRespectsPath(t *testing.T) {
	dir := t.TempDir()
	createExecutable(t, dir, "swarp", `echo "SWarp version 2.41.5 (2020-01-01)"`)
	t.Setenv("PATH", dir)

	cfg := &config.Config{}
	cfg.Tools.Swarp = "swarp"
	cfg.Tools.PSFEx = "psfex"
	cfg.Coadd.Enabled = true
	var logs bytes.Buffer
	tm := NewToolManager(cfg, slog.New(logging.NewTraditionalHandler(&logs, slog.LevelDebug)))

	st := tm.CheckTool("swarp")
	if !st.Available || !strings.Contains(st.Version, "2.41.5") {
		t.Fatalf("unexpected swarp status %+v", st)
	}
	if tm.CheckTool("psfex").Available {
		t.Fatalf("psfex should be missing")
	}
	if missing := tm.Missing(); len(missing) != 1 || missing[0] != "psfex" {
		t.Fatalf("unexpected missing tools %v", missing)
	}
	if _, ok := tm.GetToolStatus()["downstream"]; ok {
		t.Fatalf("downstream should not be listed when unset")
	}
	if out := logs.String(); !strings.Contains(out, "tool detected [tool=swarp") || !strings.Contains(out, "tool not available [tool=psfex") {
		t.Fatalf("tool checks not logged: %q", out)
	}
}
