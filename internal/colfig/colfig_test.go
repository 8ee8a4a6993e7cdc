package colfig

import (
	"context"
	"math"
	"testing"

	"refbuild/internal/pipeline"
)

func TestScaleCorrectsZeroPointToBlue(t *testing.T) {
	ch := []Channel{
		{Filter: "i", Std: 2, ZeroPoint: 20.0},
		{Filter: "q", Std: 1, ZeroPoint: 21.0},
		{Filter: "u", Std: 4, ZeroPoint: 19.5},
	}
	if err := Scale(ch, 10); err != nil {
		t.Fatalf("scale: %v", err)
	}
	want := []float64{
		10 * 2 * math.Pow(10, -0.4*(19.5-20.0)),
		10 * 1 * math.Pow(10, -0.4*(19.5-21.0)),
		10 * 4,
	}
	for i, c := range ch {
		if c.Vmin != 0 || math.Abs(c.Vmax-want[i]) > 1e-9 {
			t.Fatalf("channel %s: range [%v, %v], want [0, %v]", c.Filter, c.Vmin, c.Vmax, want[i])
		}
	}
}

func TestScaleRejectsBadInput(t *testing.T) {
	if err := Scale(make([]Channel, 2), 10); err == nil {
		t.Fatalf("expected error for two channels")
	}
	if err := Scale(make([]Channel, 3), 10); err == nil {
		t.Fatalf("expected error for zero std")
	}
}

func TestComposeClipsAndFlips(t *testing.T) {
	// 1x2 image: bottom row first in FITS order
	ch := []Channel{
		{Filter: "r", Data: []float64{0, 10}, Vmax: 10},
		{Filter: "g", Data: []float64{-5, 5}, Vmax: 10},
		{Filter: "b", Data: []float64{20, math.NaN()}, Vmax: 10},
	}
	px, err := Compose(ch, 1, 2)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	// top output row is FITS row 1
	top := px[0:3]
	bottom := px[3:6]
	if top[0] != 255 || top[1] != 128 || top[2] != 0 {
		t.Fatalf("top row = %v", top)
	}
	if bottom[0] != 0 || bottom[1] != 0 || bottom[2] != 255 {
		t.Fatalf("bottom row = %v", bottom)
	}
	if _, err := Compose(ch, 2, 2); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestProcessSkipsMissingReference(t *testing.T) {
	m := &Maker{RefRoot: t.TempDir(), Telescope: "ML1", Filters: "iqu"}
	res := m.Process(context.Background(), pipeline.Job{ID: "c1", Type: pipeline.JobColfig, Payload: Task{FieldID: 42}})
	if res.Error != nil {
		t.Fatalf("missing reference should not fail the job: %v", res.Error)
	}
	if _, ok := res.Meta["figure"]; ok {
		t.Fatalf("no figure expected, got %v", res.Meta)
	}

	res = m.Process(context.Background(), pipeline.Job{ID: "c2", Payload: "bogus"})
	if res.Error == nil {
		t.Fatalf("expected payload error")
	}
}
