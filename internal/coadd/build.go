package coadd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"refbuild/internal/fitsimg"
	"refbuild/internal/logging"
	"refbuild/internal/psf"
	"refbuild/internal/tools"
	"refbuild/internal/wcs"
)

// Input is one cohort member as left behind by the weighted combination.
type Input struct {
	Image     string          // reduced image; catalog and PSF model sit next to it
	Resampled string          // SWarp resampled frame
	Header    *fitsimg.Header // header of the reduced image
	Gain      float64
}

// Request describes one optimal co-addition.
type Request struct {
	Reference     string // combined image defining the output grid
	Inputs        []Input
	Output        string
	PSFOutput     string
	TmpDir        string
	PSFExConfig   string
	CatalogSuffix string
	PSFSuffix     string
	FluxColumn    string
	MatchRadius   float64 // arcsec
	Sampling      float64
	PSFRadius     float64
	Options
}

// Builder runs co-additions, fitting missing PSF models with PSFEx.
type Builder struct {
	Runner tools.Runner
	PSFEx  string
}

func companion(image, suffix string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(image, ".fz"), ".fits")
	return base + suffix
}

// model returns the PSF model of an input, running PSFEx on its catalog
// when no model exists yet.
func (b *Builder) model(ctx context.Context, req *Request, in Input) (*psf.Model, error) {
	if path, ok := fitsimg.ResolvePath(companion(in.Image, req.PSFSuffix)); ok {
		return psf.Read(path)
	}
	cat, ok := fitsimg.ResolvePath(companion(in.Image, req.CatalogSuffix))
	if !ok {
		return nil, fmt.Errorf("no PSF model or catalog for %s", filepath.Base(in.Image))
	}
	if req.PSFExConfig == "" {
		req.PSFExConfig = filepath.Join(req.TmpDir, "psfex.config")
		out, err := b.Runner.Run(ctx, tools.Command{Name: b.binary(), Args: []string{"-d"}})
		if err != nil {
			return nil, fmt.Errorf("psfex -d: %w", err)
		}
		if err := os.WriteFile(req.PSFExConfig, out, 0o644); err != nil {
			return nil, err
		}
	}
	p := tools.PSFEx{
		Binary:    b.PSFEx,
		Config:    req.PSFExConfig,
		Catalog:   cat,
		OutCat:    filepath.Join(req.TmpDir, strings.TrimSuffix(filepath.Base(cat), ".fits")+".psfexcat"),
		PSFDir:    req.TmpDir,
		Sampling:  req.Sampling,
		PSFRadius: req.PSFRadius,
	}
	if _, err := b.Runner.Run(ctx, p.Command()); err != nil {
		return nil, fmt.Errorf("psfex on %s: %w", filepath.Base(cat), err)
	}
	return psf.Read(p.ModelPath())
}

func (b *Builder) binary() string {
	if b.PSFEx == "" {
		return "psfex"
	}
	return b.PSFEx
}

// Build co-adds the inputs onto the grid of req.Reference and writes R and
// P_R.
func (b *Builder) Build(ctx context.Context, req Request) (*Output, error) {
	log := logging.OrDiscard(req.Log)
	if len(req.Inputs) < 2 {
		return nil, fmt.Errorf("coadd: %d inputs, at least 2 required", len(req.Inputs))
	}
	ref, err := fitsimg.ReadHeader(req.Reference)
	if err != nil {
		return nil, err
	}
	width, err := ref.Int("NAXIS1")
	if err != nil {
		return nil, err
	}
	height, err := ref.Int("NAXIS2")
	if err != nil {
		return nil, err
	}
	grid, err := wcs.FromHeader(ref)
	if err != nil {
		return nil, fmt.Errorf("reference grid: %w", err)
	}

	var first []Source
	frames := make([]Frame, 0, len(req.Inputs))
	for j, in := range req.Inputs {
		f, cat, err := b.frame(ctx, &req, in, grid, width, height)
		if err != nil {
			return nil, err
		}
		if j == 0 {
			first = cat
			f.Ratio = Unity
		} else {
			matches := MatchSources(first, cat, req.MatchRadius, in.Gain/req.Inputs[0].Gain, grid)
			ratio, err := NewFluxRatio(matches)
			if err != nil {
				log.Warn("flux ratio unavailable, using 1", "image", f.Name, "error", err)
				ratio = Unity
			}
			f.Ratio = ratio
			log.Info("flux ratio", "image", f.Name, "global", ratio.Global, "matches", len(matches))
		}
		frames = append(frames, f)
	}

	out, err := Coadd(ctx, frames, width, height, req.Options)
	if err != nil {
		return nil, err
	}

	h := ref.Clone()
	h.Set("R-OPT-N", len(frames), "number of images in optimal co-addition")
	h.Set("R-SUBSIZ", req.SubimageSize, "[pix] optimal co-addition subimage size")
	h.Set("R-SUBBRD", req.Border, "[pix] optimal co-addition subimage border")
	h.AddComment("optimal co-addition following Zackay & Ofek (2017)")
	if err := fitsimg.WriteImage(req.Output, &fitsimg.Image{Width: width, Height: height, Data: out.R, Header: h}); err != nil {
		return nil, err
	}
	if err := fitsimg.WriteImage(req.PSFOutput, &fitsimg.Image{Width: width, Height: height, Data: out.PR, Header: h.Clone()}); err != nil {
		return nil, err
	}
	log.Info("wrote optimal co-addition", "image", req.Output, "psf", req.PSFOutput, "tiles", out.Tiles)
	return out, nil
}

// frame loads one input onto the reference grid in electrons and attaches
// its PSF evaluated through its own pixel frame.
func (b *Builder) frame(ctx context.Context, req *Request, in Input, grid *wcs.TAN, width, height int) (Frame, []Source, error) {
	img, err := fitsimg.ReadImage(in.Resampled)
	if err != nil {
		return Frame{}, nil, err
	}
	placed, err := wcs.Place(img, grid, width, height, 0)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("place %s: %w", filepath.Base(in.Resampled), err)
	}
	for i := range placed.Data {
		placed.Data[i] *= in.Gain
	}

	model, err := b.model(ctx, req, in)
	if err != nil {
		return Frame{}, nil, err
	}
	own, err := wcs.FromHeader(in.Header)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("wcs of %s: %w", filepath.Base(in.Image), err)
	}

	var cat []Source
	if path, ok := fitsimg.ResolvePath(companion(in.Image, req.CatalogSuffix)); ok {
		if cat, err = ReadCatalog(path, req.FluxColumn); err != nil {
			return Frame{}, nil, err
		}
	}

	return Frame{
		Name: fitsimg.BaseID(in.Image),
		Data: placed.Data,
		PSF: func(x, y float64) ([]float64, int, error) {
			ra, dec := grid.PixToWorld(x, y)
			mx, my := own.WorldToPix(ra, dec)
			return model.Image(mx, my)
		},
	}, cat, nil
}
