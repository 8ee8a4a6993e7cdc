package imcombine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FieldCenter is the predefined sky position of a survey field.
type FieldCenter struct {
	RA  float64
	Dec float64
}

// FieldGrid maps field numbers to their centers.
type FieldGrid map[int]FieldCenter

// LoadFieldGrid reads a whitespace separated table with columns ID RA DEC
// in degrees. Blank lines and lines starting with # are ignored, as is a
// header line whose first column is not a number.
func LoadFieldGrid(path string) (FieldGrid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	g := make(FieldGrid)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		cols := strings.Fields(text)
		if len(cols) < 3 {
			return nil, fmt.Errorf("%s:%d: expected ID RA DEC, got %q", path, line, text)
		}
		id, err := strconv.Atoi(cols[0])
		if err != nil {
			if len(g) == 0 {
				continue
			}
			return nil, fmt.Errorf("%s:%d: field ID: %w", path, line, err)
		}
		ra, err := strconv.ParseFloat(cols[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: RA: %w", path, line, err)
		}
		dec, err := strconv.ParseFloat(cols[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: DEC: %w", path, line, err)
		}
		g[id] = FieldCenter{RA: ra, Dec: dec}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return g, nil
}

// Lookup returns the center of field id.
func (g FieldGrid) Lookup(id int) (FieldCenter, error) {
	c, ok := g[id]
	if !ok {
		return FieldCenter{}, fmt.Errorf("%w: %d", ErrFieldNotInGrid, id)
	}
	return c, nil
}
