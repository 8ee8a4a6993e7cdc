package catalog

import (
	"context"
	"errors"
	"math"
	"testing"

	"refbuild/internal/fitsimg"
)

func header(obj any, filter, qc string, mjd, limmag float64) *fitsimg.Header {
	h := fitsimg.NewHeader()
	h.Set(KeyMJD, mjd, "")
	h.Set(KeyObject, obj, "")
	h.Set(KeyFilter, filter, "")
	h.Set(KeyQC, qc, "")
	h.Set("LIMMAG", limmag, "")
	return h
}

func TestParseQCFlag(t *testing.T) {
	cases := map[string]QCFlag{"green": QCGreen, " yellow ": QCYellow, "ORANGE": QCOrange, "red   ": QCRed}
	for in, want := range cases {
		got, err := ParseQCFlag(in)
		if err != nil || got != want {
			t.Fatalf("ParseQCFlag(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseQCFlag("purple"); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
	if !(QCGreen < QCYellow && QCYellow < QCOrange && QCOrange < QCRed) {
		t.Fatalf("flags must be ordered")
	}
}

func TestRecordFromHeader(t *testing.T) {
	opts := ScanOptions{SortKey: "LIMMAG"}
	rec, err := RecordFromHeader("/red/2019/01/01/ML1_20190101_000000_red.fits", header("16000", "u", "green ", 58484.5, 20.1), opts)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.FieldID != 16000 || rec.Filter != "u" || rec.QC != QCGreen || rec.SortValue != 20.1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ID != "ML1_20190101_000000_red" || !math.IsNaN(rec.Seeing) {
		t.Fatalf("unexpected id/seeing %+v", rec)
	}

	opts.ReadSeeing = true
	opts.SeeingKey = "S-SEEING"
	if _, err := RecordFromHeader("x.fits", header(16000, "u", "green", 1, 1), opts); !errors.Is(err, fitsimg.ErrMissingKey) {
		t.Fatalf("expected missing seeing to fail, got %v", err)
	}
}

func TestScanDropsIncompleteHeaders(t *testing.T) {
	headers := map[string]*fitsimg.Header{
		"a_red.fits": header(16000, "u", "green", 58484.5, 20),
		"b_red.fits": header(16000, "q", "yellow", 58485.5, 21),
		"c_red.fits": fitsimg.NewHeader(),
	}
	read := func(path string) (*fitsimg.Header, error) {
		if h, ok := headers[path]; ok {
			return h, nil
		}
		return nil, errors.New("no such file")
	}
	files := []string{"a_red.fits", "missing_red.fits", "b_red.fits", "c_red.fits"}
	recs, err := Scan(context.Background(), files, ScanOptions{SortKey: "LIMMAG", Workers: 2}, read, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(recs) != 2 || recs[0].Path != "a_red.fits" || recs[1].Path != "b_red.fits" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestScanAbortsOnPoolFailure(t *testing.T) {
	read := func(path string) (*fitsimg.Header, error) {
		panic("worker crashed")
	}
	if _, err := Scan(context.Background(), []string{"a", "b"}, ScanOptions{Workers: 1}, read, nil); err == nil {
		t.Fatalf("expected scan failure to propagate")
	}
}
