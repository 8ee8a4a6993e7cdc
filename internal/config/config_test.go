package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Processing.ParallelJobs != defaultParallel {
		t.Fatalf("expected default parallel jobs, got %d", cfg.Processing.ParallelJobs)
	}
	if cfg.Combine.MinUnmasked != 3 {
		t.Fatalf("expected min_unmasked 3, got %d", cfg.Combine.MinUnmasked)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(jsonPath, []byte(`{"processing":{"parallel_jobs":7},"selection":{"subset_nmax":5}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("json load failed: %v", err)
	}
	if cfg.Processing.ParallelJobs != 7 || cfg.Selection.SubsetNMax != 5 {
		t.Fatalf("json values not applied: %+v", cfg.Processing)
	}
	if cfg.Selection.SubsetKey != "LIMMAG" {
		t.Fatalf("unset keys should keep defaults, got %q", cfg.Selection.SubsetKey)
	}

	yamlPath := filepath.Join(dir, "cfg.yaml")
	body := "combine:\n  combine_type: median\n  min_unmasked: 2\ncoadd:\n  enabled: true\n  subimage_size: 100\n  border: 10\n"
	if err := os.WriteFile(yamlPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("yaml load failed: %v", err)
	}
	if cfg.Combine.CombineType != "median" || cfg.Combine.MinUnmasked != 2 {
		t.Fatalf("yaml values not applied: %+v", cfg.Combine)
	}
	if !cfg.Coadd.Enabled || cfg.Coadd.SubimageSize != 100 {
		t.Fatalf("yaml coadd not applied: %+v", cfg.Coadd)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.Combine.MinUnmasked = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for min_unmasked 0")
	}
	cfg = defaultConfig()
	cfg.Colfig.Filters = "ug"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for two colfig filters")
	}
}

func TestPathsForTelescope(t *testing.T) {
	p := Paths{RedDir: "/data/{tel}/red", RefDir: "/data/{tel}/ref"}
	got := p.ForTelescope("BG3")
	if got.RedDir != "/data/BG3/red" || got.RefDir != "/data/BG3/ref" {
		t.Fatalf("unexpected paths %+v", got)
	}
}

func TestRunContextTimeRange(t *testing.T) {
	rc := &RunContext{DateStart: "20190101"}
	if got := rc.TimeRange(); got != "[20190101,None]" {
		t.Fatalf("unexpected time range %q", got)
	}
	rc = &RunContext{Filters: "uqi"}
	if got := rc.FilterList(); len(got) != 3 || got[1] != "q" {
		t.Fatalf("unexpected filters %v", got)
	}
}
