// Package coadd implements the optimal image co-addition of Zackay & Ofek
// (2017). The frame is split into padded tiles; in every tile each member
// contributes its PSF, background noise and flux ratio to a Fourier-space
// weighted sum that yields the co-added image R and its PSF P_R.
package coadd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"runtime"
	"sync"

	"refbuild/internal/logging"
	"refbuild/internal/psf"
	"refbuild/internal/stats"
)

const clipSigma = 3

// PSFFunc returns the normalized size x size PSF of a member at the 1-based
// reference-grid pixel (x, y).
type PSFFunc func(x, y float64) ([]float64, int, error)

// Frame is one member on the reference grid.
type Frame struct {
	Name  string
	Data  []float64 // electrons, row-major width x height
	PSF   PSFFunc
	Ratio FluxRatio
}

// Options controls the tiling.
type Options struct {
	SubimageSize    int
	Border          int
	LocalRatios     bool
	MinLocalMatches int
	Workers         int // concurrent tiles, GOMAXPROCS when 0
	Log             *slog.Logger
}

// Output holds the co-added image and PSF frames.
type Output struct {
	Width, Height int
	R             []float64
	PR            []float64
	Tiles         int
}

// Coadd combines frames of width x height pixels.
func Coadd(ctx context.Context, frames []Frame, width, height int, opts Options) (*Output, error) {
	if len(frames) == 0 {
		return nil, errors.New("coadd: no frames")
	}
	for _, f := range frames {
		if len(f.Data) != width*height {
			return nil, fmt.Errorf("coadd: frame %s has %d pixels, want %d", f.Name, len(f.Data), width*height)
		}
	}
	if opts.SubimageSize < 1 || opts.Border < 0 {
		return nil, fmt.Errorf("coadd: invalid subimage size %d / border %d", opts.SubimageSize, opts.Border)
	}
	log := logging.OrDiscard(opts.Log)
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}

	tiles := Tiles(width, height, opts.SubimageSize, opts.Border)
	out := &Output{Width: width, Height: height, R: make([]float64, width*height), PR: make([]float64, width*height), Tiles: len(tiles)}
	log.Info("optimal co-addition", "frames", len(frames), "tiles", len(tiles), "workers", workers)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, workers)
	for _, t := range tiles {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(t Tile) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("tile %d: panic: %v", t.Index, r)
					}
					mu.Unlock()
				}
			}()
			r, pr, err := coaddTile(t, frames, width, height, opts, log)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("tile %d: %w", t.Index, err)
				}
				return
			}
			place(out.R, width, r, t)
			place(out.PR, width, pr, t)
		}(t)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// extract copies the padded window of t, zero outside the frame.
func extract(data []float64, width, height int, t Tile) []float64 {
	fw, fh := t.FFTSize()
	out := make([]float64, fw*fh)
	for y := 0; y < fh; y++ {
		sy := t.Y0 - t.Border + y
		if sy < 0 || sy >= height {
			continue
		}
		for x := 0; x < fw; x++ {
			sx := t.X0 - t.Border + x
			if sx < 0 || sx >= width {
				continue
			}
			out[y*fw+x] = data[sy*width+sx]
		}
	}
	return out
}

// place writes the owned part of a padded tile's central region into the
// frame.
func place(dst []float64, width int, tile []float64, t Tile) {
	fw, _ := t.FFTSize()
	for y := t.WY0 - t.Y0; y < t.Height; y++ {
		for x := t.WX0 - t.X0; x < t.Width; x++ {
			dst[(t.Y0+y)*width+t.X0+x] = tile[(y+t.Border)*fw+x+t.Border]
		}
	}
}

// zeroBackground replaces non-positive pixels by the clipped median of the
// positive ones and subtracts that median. It returns the clipped STD.
func zeroBackground(tile []float64) (float64, error) {
	positive := make([]float64, 0, len(tile))
	for _, v := range tile {
		if v > 0 {
			positive = append(positive, v)
		}
	}
	c := stats.SigmaClip(positive, clipSigma, stats.DefaultMaxIter)
	if c.N == 0 {
		return 0, errors.New("no valid pixels")
	}
	for i, v := range tile {
		if v <= 0 {
			v = c.Median
		}
		tile[i] = v - c.Median
	}
	return c.Std, nil
}

func coaddTile(t Tile, frames []Frame, width, height int, opts Options, log *slog.Logger) ([]float64, []float64, error) {
	fw, fh := t.FFTSize()
	plan := newFFT2(fw, fh)
	n := fw * fh
	num := make([]complex128, n)
	den2 := make([]float64, n)
	fr2 := 0.0
	cx, cy := t.Center()

	used := 0
	for j, f := range frames {
		data := extract(f.Data, width, height, t)
		sigma, err := zeroBackground(data)
		if err != nil || sigma <= 0 || math.IsNaN(sigma) {
			log.Warn("skipping frame in tile", "frame", f.Name, "tile", t.Index, "sigma", sigma, "error", err)
			continue
		}
		stamp, size, err := f.PSF(cx, cy)
		if err != nil {
			return nil, nil, fmt.Errorf("psf of %s: %w", f.Name, err)
		}

		F := 1.0
		if j > 0 {
			if opts.LocalRatios {
				F, _ = f.Ratio.At(t, opts.MinLocalMatches)
			} else {
				F = f.Ratio.Global
			}
		}

		m := toComplex(data)
		plan.forward(m)
		padded, err := psf.Pad(stamp, size, fw, fh)
		if err != nil {
			return nil, nil, fmt.Errorf("psf of %s: %w", f.Name, err)
		}
		p := toComplex(padded)
		plan.forward(p)

		s2 := sigma * sigma
		for i := range num {
			num[i] += complex(F/s2, 0) * cmplx.Conj(p[i]) * m[i]
			a := cmplx.Abs(p[i])
			den2[i] += F * F / s2 * a * a
		}
		fr2 += F * F / s2
		used++
	}
	if used == 0 {
		return nil, nil, errors.New("no usable frames")
	}

	rhat := make([]complex128, n)
	phat := make([]complex128, n)
	sqFR := math.Sqrt(fr2)
	for i := range rhat {
		d := math.Sqrt(den2[i])
		if d > 0 {
			rhat[i] = num[i] / complex(d, 0)
		}
		phat[i] = complex(d/sqFR, 0)
	}
	plan.inverse(rhat)
	plan.inverse(phat)

	r := make([]float64, n)
	pr := make([]float64, n)
	for i := range r {
		r[i] = real(rhat[i])
		pr[i] = real(phat[i])
	}
	return r, fftshift(pr, fw, fh), nil
}
