package imcombine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"refbuild/internal/fitsimg"
	"refbuild/internal/tools"
	"refbuild/internal/wcs"
)

// CombineMasks ORs the member masks on the reference grid and clears every
// pixel where at least minUnmasked members are unmasked.
func CombineMasks(masks [][]uint8, minUnmasked int) []uint8 {
	if len(masks) == 0 {
		return nil
	}
	n := len(masks[0])
	out := make([]uint8, n)
	for i := 0; i < n; i++ {
		var or uint8
		zeros := 0
		for _, m := range masks {
			or |= m[i]
			if m[i] == 0 {
				zeros++
			}
		}
		if zeros >= minUnmasked {
			or = 0
		}
		out[i] = or
	}
	return out
}

// remapMask resamples a member mask onto the reference grid described by
// ref with nearest-neighbour interpolation. Pixels the member does not
// cover are flagged as edge.
func (c *Combiner) remapMask(ctx context.Context, req *Request, m *Member, ref *fitsimg.Header, refWCS *wcs.TAN, width, height int) ([]uint8, error) {
	imageOut := strings.TrimSuffix(m.Mask, ".fits") + "_remap.fits"
	head := strings.TrimSuffix(imageOut, ".fits") + ".head"
	if err := os.WriteFile(head, []byte(ref.HeadText("WCSAXES", "NAXIS1", "NAXIS2")), 0o644); err != nil {
		return nil, err
	}

	cmd := tools.SwarpRemap{
		Binary:         c.Swarp,
		Config:         req.SwarpConfig,
		Image:          m.Mask,
		ImageOut:       imageOut,
		Width:          width,
		Height:         height,
		ResamplingType: "NEAREST",
		ResampleDir:    req.TmpDir,
		Threads:        req.Threads,
	}.Command()
	if _, err := c.Runner.Run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("remap mask %s: %w", filepath.Base(m.Mask), err)
	}

	resampled := strings.TrimSuffix(m.Mask, ".fits") + tools.ResampleSuffix
	img, err := fitsimg.ReadImage(resampled)
	if err != nil {
		return nil, err
	}
	for i, v := range img.Data {
		if math.IsNaN(v) {
			img.Data[i] = 0
		}
	}
	placed, err := wcs.Place(img, refWCS, width, height, float64(MaskEdge))
	if err != nil {
		return nil, fmt.Errorf("place mask %s: %w", filepath.Base(m.Mask), err)
	}
	return placed.Mask(), nil
}
