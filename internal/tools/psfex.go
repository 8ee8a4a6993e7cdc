package tools

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// PSFEx fits a PSF model to an LDAC catalog.
type PSFEx struct {
	Binary    string
	Config    string
	Catalog   string
	OutCat    string
	PSFDir    string  // the model is written here as <catalog base>.psf
	Sampling  float64 // 0 lets PSFEx choose
	PSFRadius float64 // in FWHM units, sizes the stamp when Sampling is 0
}

// StampSize returns the PSF_SIZE value: odd and derived from the radius
// when the sampling is automatic, 45 pixels otherwise.
func (p PSFEx) StampSize() int {
	if p.Sampling != 0 {
		return 45
	}
	size := int(math.Floor(p.PSFRadius*9 + 0.5))
	if size%2 == 0 {
		size++
	}
	return size
}

// Command returns the PSFEx invocation.
func (p PSFEx) Command() Command {
	size := p.StampSize()
	args := []string{
		p.Catalog,
		"-c", p.Config,
		"-OUTCAT_NAME", p.OutCat,
		"-PSF_SIZE", fmt.Sprintf("%d,%d", size, size),
		"-PSF_SAMPLING", strconv.FormatFloat(p.Sampling, 'g', -1, 64),
	}
	if p.PSFDir != "" {
		args = append(args, "-PSF_DIR", p.PSFDir)
	}
	return Command{Name: binary(p.Binary, "psfex"), Args: args, Dir: p.PSFDir}
}

// ModelPath is where PSFEx writes the model for the catalog.
func (p PSFEx) ModelPath() string {
	base := strings.TrimSuffix(filepath.Base(p.Catalog), ".fits")
	dir := p.PSFDir
	if dir == "" {
		dir = filepath.Dir(p.Catalog)
	}
	return filepath.Join(dir, base+".psf")
}

// Funpack uncompresses an fpacked image to Output.
type Funpack struct {
	Binary string
	Input  string
	Output string
}

// Command returns the funpack invocation.
func (f Funpack) Command() Command {
	return Command{Name: binary(f.Binary, "funpack"), Args: []string{"-O", f.Output, f.Input}}
}
