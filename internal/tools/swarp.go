package tools

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Suffixes SWarp uses for weights and resampled frames.
const (
	WeightSuffix   = "_weights.fits"
	ResampleSuffix = "_resamp.fits"
)

// KeysToCopy are copied from the first input image into the combined
// reference.
var KeysToCopy = []string{
	"BUNIT", "XBINNING", "YBINNING",
	"RADESYS", "EPOCH",
	"OBJECT", "IMAGETYP", "FILTER", "EXPTIME",
	"SITELAT", "SITELONG", "ELEVATIO",
	"CCD-ID", "CONTROLL", "DETSPEED",
	"CCD-NW", "CCD-NH",
	"ORIGIN", "TELESCOP", "INSTRUME",
	"OBSERVER", "ABOTVER",
}

// SwarpCombine describes one combination of prepared images. Each image
// must have a weight map next to it named with WeightSuffix.
type SwarpCombine struct {
	Binary         string
	Config         string
	Images         []string
	CombineType    string
	ImageOut       string
	WeightOut      string
	CenterRA       float64
	CenterDec      float64
	Width          int
	Height         int
	ResampleDir    string
	SatKeyword     string
	SubtractBack   bool
	BackType       string
	BackDefault    float64
	BackSize       int
	BackFilterSize int
	Threads        int
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func binary(b, def string) string {
	if b == "" {
		return def
	}
	return b
}

// Command returns the SWarp invocation.
func (s SwarpCombine) Command() Command {
	args := []string{
		strings.Join(s.Images, ","),
		"-c", s.Config,
		"-COMBINE", "Y",
		"-COMBINE_TYPE", strings.ToUpper(s.CombineType),
		"-WEIGHT_SUFFIX", WeightSuffix,
		"-WEIGHTOUT_NAME", s.WeightOut,
		"-WEIGHT_TYPE", "MAP_WEIGHT",
		"-RESCALE_WEIGHTS", "N",
		"-CENTER_TYPE", "MANUAL",
		"-CENTER", fmt.Sprintf("%.6f,%.6f", s.CenterRA, s.CenterDec),
		"-IMAGE_SIZE", fmt.Sprintf("%d,%d", s.Width, s.Height),
		"-IMAGEOUT_NAME", s.ImageOut,
		"-RESAMPLE_DIR", s.ResampleDir,
		"-RESAMPLE_SUFFIX", ResampleSuffix,
		"-RESAMPLING_TYPE", "LANCZOS3",
		// gain is applied explicitly, so SWarp must not find it
		"-GAIN_KEYWORD", "whatever",
		"-GAIN_DEFAULT", "1.0",
		"-SATLEV_KEYWORD", s.SatKeyword,
		"-SUBTRACT_BACK", yn(s.SubtractBack),
		"-BACK_TYPE", strings.ToUpper(s.BackType),
		"-BACK_DEFAULT", strconv.FormatFloat(s.BackDefault, 'g', -1, 64),
		"-BACK_SIZE", strconv.Itoa(s.BackSize),
		"-BACK_FILTERSIZE", strconv.Itoa(s.BackFilterSize),
		"-FSCALE_KEYWORD", "FSCALE",
		"-FSCALE_DEFAULT", "1.0",
		"-FSCALASTRO_TYPE", "FIXED",
		"-VERBOSE_TYPE", "FULL",
		"-NTHREADS", strconv.Itoa(s.Threads),
		"-COPY_KEYWORDS", strings.Join(KeysToCopy, ","),
		"-WRITE_FILEINFO", "Y",
		"-WRITE_XML", "N",
		"-VMEM_DIR", ".",
		"-VMEM_MAX", "4096",
		"-MEM_MAX", "4096",
		"-DELETE_TMPFILES", "N",
		"-NOPENFILES_MAX", "256",
	}
	return Command{Name: binary(s.Binary, "swarp"), Args: args, Dir: s.ResampleDir}
}

// SwarpRemap resamples a single image onto the grid described by a .head
// file next to ImageOut. The resampled frame lands in ResampleDir.
type SwarpRemap struct {
	Binary         string
	Config         string
	Image          string
	ImageOut       string
	Width          int
	Height         int
	ResamplingType string // NEAREST for masks
	ResampleDir    string
	Threads        int
}

// Command returns the SWarp invocation.
func (s SwarpRemap) Command() Command {
	rt := s.ResamplingType
	if rt == "" {
		rt = "LANCZOS3"
	}
	args := []string{
		s.Image,
		"-c", s.Config,
		"-IMAGEOUT_NAME", s.ImageOut,
		"-IMAGE_SIZE", fmt.Sprintf("%d,%d", s.Width, s.Height),
		"-GAIN_DEFAULT", "1.0",
		"-RESAMPLE", "Y",
		"-RESAMPLING_TYPE", rt,
		"-OVERSAMPLING", "0",
		"-PROJECTION_ERR", "0.001",
		"-NTHREADS", strconv.Itoa(s.Threads),
		"-COMBINE", "N",
		"-RESAMPLE_DIR", s.ResampleDir,
		"-RESAMPLE_SUFFIX", ResampleSuffix,
		"-DELETE_TMPFILES", "N",
	}
	return Command{Name: binary(s.Binary, "swarp"), Args: args, Dir: s.ResampleDir}
}

// DefaultSwarpConfig writes SWarp's default configuration to path when no
// configuration file is set.
func DefaultSwarpConfig(ctx context.Context, r Runner, bin, path string) error {
	out, err := r.Run(ctx, Command{Name: binary(bin, "swarp"), Args: []string{"-d"}})
	if err != nil {
		return fmt.Errorf("swarp -d: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
