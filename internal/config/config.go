package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/refbuild/config.json"
	defaultParallel   = 4
	defaultThreads    = 2

	// EnvConfigPath overrides the configuration file location.
	EnvConfigPath = "REFBUILD_CONFIG"
)

// Config holds user-editable settings for reference building.
type Config struct {
	Processing  Processing        `json:"processing" yaml:"processing"`
	Logging     Logging           `json:"logging" yaml:"logging"`
	Paths       Paths             `json:"paths" yaml:"paths"`
	Selection   Selection         `json:"selection" yaml:"selection"`
	Combine     Combine           `json:"combine" yaml:"combine"`
	Coadd       Coadd             `json:"coadd" yaml:"coadd"`
	Downstream  Downstream        `json:"downstream" yaml:"downstream"`
	Server      Server            `json:"server" yaml:"server"`
	Colfig      Colfig            `json:"colfig" yaml:"colfig"`
	Diagnostics Diagnostics       `json:"diagnostics" yaml:"diagnostics"`
	Tools       ToolPreferences   `json:"tools" yaml:"tools"`
	Telescopes  map[string]string `json:"telescopes" yaml:"telescopes"` // telescope -> site label, also the set of accepted telescopes
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int  `json:"parallel_jobs" yaml:"parallel_jobs"` // worker pool size
	Threads      int  `json:"threads" yaml:"threads"`             // threads handed to SWarp/PSFEx
	KeepTmp      bool `json:"keep_tmp" yaml:"keep_tmp"`
	Overwrite    bool `json:"overwrite" yaml:"overwrite"` // replace references whose image set changed
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
	QueueSize  int    `json:"queue_size" yaml:"queue_size"`   // central sink buffer
}

// Paths configures input and output locations. Every path may contain the
// {tel} placeholder.
type Paths struct {
	RedDir       string `json:"red_dir" yaml:"red_dir"`
	RefDir       string `json:"ref_dir" yaml:"ref_dir"`
	TmpDir       string `json:"tmp_dir" yaml:"tmp_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
	FieldGrid    string `json:"field_grid" yaml:"field_grid"`
	SwarpConfig  string `json:"swarp_config" yaml:"swarp_config"`
	PSFExConfig  string `json:"psfex_config" yaml:"psfex_config"`
}

// Selection configures cohort selection.
type Selection struct {
	SubsetNMax   int     `json:"subset_nmax" yaml:"subset_nmax"`
	SubsetKey    string  `json:"subset_key" yaml:"subset_key"`
	SubsetLowEnd bool    `json:"subset_lowend" yaml:"subset_lowend"`
	QCFlagMax    string  `json:"qc_flag_max" yaml:"qc_flag_max"`
	SeeingKey    string  `json:"seeing_key" yaml:"seeing_key"`
	SeeingMax    float64 `json:"seeing_max" yaml:"seeing_max"` // 0 disables the cut
	MaxFieldID   int     `json:"max_field_id" yaml:"max_field_id"`
}

// Combine configures the weighted combiner.
type Combine struct {
	CombineType    string   `json:"combine_type" yaml:"combine_type"`
	CenterType     string   `json:"center_type" yaml:"center_type"`
	BackType       string   `json:"back_type" yaml:"back_type"`
	BackDefault    float64  `json:"back_default" yaml:"back_default"`
	BackSize       int      `json:"back_size" yaml:"back_size"`
	BackFilterSize int      `json:"back_filtersize" yaml:"back_filtersize"`
	MaskDiscard    int      `json:"mask_discard" yaml:"mask_discard"`
	MinUnmasked    int      `json:"min_unmasked" yaml:"min_unmasked"`
	RemapMasks     bool     `json:"remap_masks" yaml:"remap_masks"`
	ZeroPointKey   string   `json:"zeropoint_key" yaml:"zeropoint_key"`
	ExtinctionKey  string   `json:"extinction_key" yaml:"extinction_key"`
	KeepSuffixes   []string `json:"keep_suffixes" yaml:"keep_suffixes"`
}

// Coadd configures the optimal FFT co-addition.
type Coadd struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	SubimageSize      int     `json:"subimage_size" yaml:"subimage_size"`
	Border            int     `json:"border" yaml:"border"`
	FluxRatioLocal    bool    `json:"fratio_local" yaml:"fratio_local"`
	MinLocalMatches   int     `json:"min_local_matches" yaml:"min_local_matches"`
	MatchRadiusArcsec float64 `json:"match_radius_arcsec" yaml:"match_radius_arcsec"`
	PSFSampling       float64 `json:"psf_sampling" yaml:"psf_sampling"`
	PSFRadius         float64 `json:"psf_radius" yaml:"psf_radius"`
	CatalogSuffix     string  `json:"catalog_suffix" yaml:"catalog_suffix"`
	PSFSuffix         string  `json:"psf_suffix" yaml:"psf_suffix"`
	FluxColumn        string  `json:"flux_column" yaml:"flux_column"`
}

// Downstream configures an optional command run on the finished reference
// inside the scratch directory. {image} and {mask} are substituted.
type Downstream struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`
}

// Server configures the status endpoints.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Colfig configures RGB figure production.
type Colfig struct {
	Filters string  `json:"filters" yaml:"filters"` // three filters, red first
	NStd    float64 `json:"nstd" yaml:"nstd"`
}

// Diagnostics configures selection plots.
type Diagnostics struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"`
}

// ToolPreferences names the external binaries.
type ToolPreferences struct {
	Swarp   string `json:"swarp" yaml:"swarp"`
	PSFEx   string `json:"psfex" yaml:"psfex"`
	Funpack string `json:"funpack" yaml:"funpack"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the JSON or YAML file at path. A missing file yields the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	default:
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		c.Processing.ParallelJobs = 1
	}
	if c.Processing.Threads < 1 {
		c.Processing.Threads = 1
	}
	if c.Selection.SubsetNMax < 0 {
		return fmt.Errorf("selection.subset_nmax must be >= 0, got %d", c.Selection.SubsetNMax)
	}
	if c.Combine.MinUnmasked < 1 {
		return fmt.Errorf("combine.min_unmasked must be >= 1, got %d", c.Combine.MinUnmasked)
	}
	if c.Coadd.Enabled && (c.Coadd.SubimageSize < 1 || c.Coadd.Border < 0) {
		return fmt.Errorf("coadd: invalid subimage_size %d / border %d", c.Coadd.SubimageSize, c.Coadd.Border)
	}
	if f := c.Colfig.Filters; f != "" && len(f) != 3 {
		return fmt.Errorf("colfig.filters needs three filters, got %q", f)
	}
	return nil
}

// Resolve expands ~ and the {tel} placeholder in p.
func Resolve(p, telescope string) string {
	p = strings.ReplaceAll(p, "{tel}", telescope)
	if expanded, err := expandUser(p); err == nil {
		return expanded
	}
	return p
}

// ForTelescope returns the paths with {tel} substituted.
func (p Paths) ForTelescope(tel string) Paths {
	return Paths{
		RedDir:       Resolve(p.RedDir, tel),
		RefDir:       Resolve(p.RefDir, tel),
		TmpDir:       Resolve(p.TmpDir, tel),
		DatabasePath: Resolve(p.DatabasePath, tel),
		FieldGrid:    Resolve(p.FieldGrid, tel),
		SwarpConfig:  Resolve(p.SwarpConfig, tel),
		PSFExConfig:  Resolve(p.PSFExConfig, tel),
	}
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			Threads:      defaultThreads,
			Overwrite:    true,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			QueueSize:  1024,
		},
		Paths: Paths{
			RedDir:       "/idia/projects/meerlicht/{tel}/red",
			RefDir:       "/idia/projects/meerlicht/{tel}/ref",
			TmpDir:       filepath.Join(os.TempDir(), "refbuild", "{tel}"),
			DatabasePath: filepath.Join(os.TempDir(), "refbuild.db"),
		},
		Selection: Selection{
			SubsetNMax:   15,
			SubsetKey:    "LIMMAG",
			SubsetLowEnd: false,
			QCFlagMax:    "yellow",
			SeeingKey:    "S-SEEING",
			MaxFieldID:   20000,
		},
		Combine: Combine{
			CombineType:    "weighted",
			CenterType:     "grid",
			BackType:       "blackbox",
			BackSize:       120,
			BackFilterSize: 3,
			MaskDiscard:    1 | 2 | 4 | 8 | 16 | 32,
			MinUnmasked:    3,
			RemapMasks:     true,
			ZeroPointKey:   "PC-ZP",
			ExtinctionKey:  "PC-EXTCO",
			KeepSuffixes: []string{
				"_red.fits", "_mask.fits", "_red_bkg.fits", "_red_bkg_std.fits",
				"_red.log", "_red_optimal.fits", "_red_optimal_psf.fits",
				"_red_cat.fits", "_red_psf.fits",
			},
		},
		Coadd: Coadd{
			SubimageSize:      960,
			Border:            32,
			FluxRatioLocal:    true,
			MinLocalMatches:   1,
			MatchRadiusArcsec: 2.0,
			PSFSampling:       0,
			PSFRadius:         5.0,
			CatalogSuffix:     "_cat.fits",
			PSFSuffix:         "_psf.fits",
			FluxColumn:        "FLUX_AUTO",
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
		Colfig: Colfig{
			Filters: "iqu",
			NStd:    10,
		},
		Diagnostics: Diagnostics{
			Dir: "./diagnostics",
		},
		Tools: ToolPreferences{
			Swarp:   "swarp",
			PSFEx:   "psfex",
			Funpack: "funpack",
		},
		Telescopes: map[string]string{
			"ML1": "MeerLICHT",
			"BG2": "BlackGEM",
			"BG3": "BlackGEM",
			"BG4": "BlackGEM",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
