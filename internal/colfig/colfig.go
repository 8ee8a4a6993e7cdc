// Package colfig renders RGB color figures of a field from the reference
// images of three filters.
package colfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"refbuild/internal/fitsimg"
	"refbuild/internal/logging"
	"refbuild/internal/pipeline"
	"refbuild/internal/stats"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// ScaleKey is the header keyword holding the limiting magnitude used to
// balance the channels.
const ScaleKey = "LIMMAG"

// ErrMissing reports that a figure could not be made because an input is
// absent. The job is not failed for it.
var ErrMissing = errors.New("color figure input missing")

// Task is the payload of a pipeline.JobColfig job.
type Task struct {
	FieldID int
	Filters string // red, green, blue; the Maker default when empty
}

// Channel is one filter's reference image with its display range.
type Channel struct {
	Filter     string
	Data       []float64
	Std        float64
	ZeroPoint  float64
	Vmin, Vmax float64
}

// Scale sets the display range of each channel to [0, nstd*std] corrected
// by the zero-point difference with the blue channel.
func Scale(ch []Channel, nstd float64) error {
	if len(ch) != 3 {
		return fmt.Errorf("need three channels, got %d", len(ch))
	}
	blue := ch[2].ZeroPoint
	for i := range ch {
		ch[i].Vmin = 0
		ch[i].Vmax = nstd * ch[i].Std * math.Pow(10, -0.4*(blue-ch[i].ZeroPoint))
		if !(ch[i].Vmax > 0) {
			return fmt.Errorf("filter %s: invalid display maximum %v", ch[i].Filter, ch[i].Vmax)
		}
	}
	return nil
}

// Compose maps the scaled channels to interleaved 8-bit RGB, flipping rows
// so that north is up.
func Compose(ch []Channel, width, height int) ([]byte, error) {
	if len(ch) != 3 {
		return nil, fmt.Errorf("need three channels, got %d", len(ch))
	}
	for _, c := range ch {
		if len(c.Data) != width*height {
			return nil, fmt.Errorf("filter %s: %d pixels, want %d", c.Filter, len(c.Data), width*height)
		}
	}
	out := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		row := (height - 1 - y) * width
		for x := 0; x < width; x++ {
			for k, c := range ch {
				v := (c.Data[y*width+x] - c.Vmin) / (c.Vmax - c.Vmin)
				if math.IsNaN(v) || v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				out[(row+x)*3+k] = byte(math.Round(v * 255))
			}
		}
	}
	return out, nil
}

// Maker produces {ref_dir}/{field}/{tel}_{field}_{filters}.png.
type Maker struct {
	RefRoot   string
	Telescope string
	Filters   string
	NStd      float64
	Log       *slog.Logger
}

// Process implements pipeline.Processor.
func (m *Maker) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	task, ok := job.Payload.(Task)
	if !ok {
		return pipeline.Result{Job: job, Error: fmt.Errorf("colfig job %s: unexpected payload %T", job.ID, job.Payload)}
	}
	path, err := m.Make(ctx, task.FieldID, task.Filters)
	meta := map[string]any{"field_id": task.FieldID}
	if errors.Is(err, ErrMissing) {
		logging.OrDiscard(m.Log).Info("not able to prepare color figure", "field_id", task.FieldID, "reason", err)
		return pipeline.Result{Job: job, Meta: meta}
	}
	if err == nil {
		meta["figure"] = path
	}
	return pipeline.Result{Job: job, Error: err, Meta: meta}
}

// Make renders the figure of one field and returns its path.
func (m *Maker) Make(ctx context.Context, fieldID int, filters string) (string, error) {
	if filters == "" {
		filters = m.Filters
	}
	if len(filters) != 3 {
		return "", fmt.Errorf("color figure needs three filters, got %q", filters)
	}
	dir := filepath.Join(m.RefRoot, fmt.Sprintf("%05d", fieldID))

	var (
		channels      []Channel
		width, height int
	)
	for _, r := range filters {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		filt := string(r)
		path, ok := fitsimg.ResolvePath(filepath.Join(dir, fmt.Sprintf("%s_%s_red.fits", m.Telescope, filt)))
		if !ok {
			return "", fmt.Errorf("%w: no %s reference for field %05d", ErrMissing, filt, fieldID)
		}
		img, err := fitsimg.ReadImage(path)
		if err != nil {
			return "", err
		}
		if len(channels) == 0 {
			width, height = img.Width, img.Height
		} else if img.Width != width || img.Height != height {
			return "", fmt.Errorf("filter %s: %dx%d differs from %dx%d", filt, img.Width, img.Height, width, height)
		}
		zp, err := img.Header.Float(ScaleKey)
		if err != nil {
			return "", fmt.Errorf("%w: %s has no %s", ErrMissing, filepath.Base(path), ScaleKey)
		}
		clip := stats.SigmaClip(img.Data, 3, stats.DefaultMaxIter)
		channels = append(channels, Channel{Filter: filt, Data: img.Data, Std: clip.Std, ZeroPoint: zp})
	}

	nstd := m.NStd
	if nstd <= 0 {
		nstd = 10
	}
	if err := Scale(channels, nstd); err != nil {
		return "", err
	}
	pixels, err := Compose(channels, width, height)
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, fmt.Sprintf("%s_%d_%s.png", m.Telescope, fieldID, filters))
	if err := writePNG(out, pixels, width, height); err != nil {
		return "", err
	}
	logging.OrDiscard(m.Log).Info("wrote color figure", "field_id", fieldID, "figure", out)
	return out, nil
}

func writePNG(path string, pixels []byte, width, height int) error {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ConstituteImage(uint(width), uint(height), "RGB", imagick.PIXEL_CHAR, pixels); err != nil {
		return fmt.Errorf("failed to create color figure: %v", err)
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}
