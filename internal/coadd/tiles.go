package coadd

// Tile is one subimage of the reference grid. X0/Y0 is the zero-based
// position of its central region, which is Width x Height pixels; the FFT
// window extends Border pixels further on every side. The tile owns the
// pixels of its central region from WX0/WY0 on; pixels before that belong
// to the neighbour it overlaps.
type Tile struct {
	Index    int
	X0, Y0   int
	WX0, WY0 int
	Width    int
	Height   int
	Border   int
}

// FFTSize returns the padded window dimensions.
func (t Tile) FFTSize() (int, int) { return t.Width + 2*t.Border, t.Height + 2*t.Border }

// Center returns the 1-based FITS pixel at the middle of the central region.
func (t Tile) Center() (float64, float64) {
	return float64(t.X0) + float64(t.Width)/2 + 0.5, float64(t.Y0) + float64(t.Height)/2 + 0.5
}

// Contains reports whether the 1-based pixel (x, y) lies in the central
// region.
func (t Tile) Contains(x, y float64) bool {
	x0, y0 := float64(t.X0)+0.5, float64(t.Y0)+0.5
	return x >= x0 && x < x0+float64(t.Width) && y >= y0 && y < y0+float64(t.Height)
}

// span is a tile interval along one axis. The tile starts at start and
// owns the pixels from write to start+size.
type span struct{ start, write int }

// origins returns tile starts 0, size, 2*size, ... with the last tile moved
// back so that it ends at n. The moved tile writes only past its
// predecessor.
func origins(n, size int) []span {
	if size >= n {
		return []span{{0, 0}}
	}
	var out []span
	o := 0
	for ; o+size < n; o += size {
		out = append(out, span{o, o})
	}
	return append(out, span{n - size, o})
}

// Tiles partitions a width x height frame into subimages of size x size
// pixels, smaller when the frame is. The central regions cover the frame;
// the last row and column overlap their neighbours when size does not
// divide the frame, while the owned regions partition it.
func Tiles(width, height, size, border int) []Tile {
	tw, th := min(size, width), min(size, height)
	var out []Tile
	for _, y := range origins(height, th) {
		for _, x := range origins(width, tw) {
			out = append(out, Tile{
				Index: len(out),
				X0:    x.start, Y0: y.start,
				WX0: x.write, WY0: y.write,
				Width: tw, Height: th, Border: border,
			})
		}
	}
	return out
}
