// Package catalog builds the exposure table from the headers of reduced
// images.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"refbuild/internal/fitsimg"
	"refbuild/internal/logging"
	"refbuild/internal/pipeline"
)

// QCFlag is the quality-control verdict of an exposure, ordered from best
// to worst.
type QCFlag int

const (
	QCGreen QCFlag = iota
	QCYellow
	QCOrange
	QCRed
)

var qcNames = [...]string{"green", "yellow", "orange", "red"}

func (q QCFlag) String() string {
	if q < QCGreen || q > QCRed {
		return fmt.Sprintf("QCFlag(%d)", int(q))
	}
	return qcNames[q]
}

// ParseQCFlag parses a flag name, ignoring case and surrounding whitespace.
func ParseQCFlag(s string) (QCFlag, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range qcNames {
		if s == n {
			return QCFlag(i), nil
		}
	}
	return 0, fmt.Errorf("unknown QC flag %q", s)
}

// Header keywords read for every exposure.
const (
	KeyMJD    = "MJD-OBS"
	KeyObject = "OBJECT"
	KeyFilter = "FILTER"
	KeyQC     = "QC-FLAG"
)

// ExposureRecord is one row of the exposure table.
type ExposureRecord struct {
	Path      string
	ID        string
	MJD       float64
	FieldID   int
	Filter    string
	QC        QCFlag
	SortValue float64
	Seeing    float64 // NaN when not read
}

// ScanOptions selects the optional keywords.
type ScanOptions struct {
	SortKey    string
	SeeingKey  string
	ReadSeeing bool
	Workers    int
}

// RecordFromHeader extracts a record. A missing or malformed required keyword
// is an error.
func RecordFromHeader(path string, h *fitsimg.Header, opts ScanOptions) (ExposureRecord, error) {
	rec := ExposureRecord{Path: path, ID: fitsimg.BaseID(path), Seeing: math.NaN()}
	var err error
	if rec.MJD, err = h.Float(KeyMJD); err != nil {
		return rec, err
	}
	if rec.FieldID, err = h.Int(KeyObject); err != nil {
		return rec, err
	}
	if rec.Filter, err = h.String(KeyFilter); err != nil {
		return rec, err
	}
	qc, err := h.String(KeyQC)
	if err != nil {
		return rec, err
	}
	if rec.QC, err = ParseQCFlag(qc); err != nil {
		return rec, err
	}
	if opts.SortKey != "" {
		if rec.SortValue, err = h.Float(opts.SortKey); err != nil {
			return rec, err
		}
	}
	if opts.ReadSeeing {
		if rec.Seeing, err = h.Float(opts.SeeingKey); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// HeaderReader loads the header of one file.
type HeaderReader func(path string) (*fitsimg.Header, error)

// Scan reads the header of every file with a pool of workers and returns
// the usable records in file order. Files that cannot be read or lack a
// required keyword are logged and dropped; an error is returned only when
// the scan itself fails.
func Scan(ctx context.Context, files []string, opts ScanOptions, read HeaderReader, log *slog.Logger) ([]ExposureRecord, error) {
	log = logging.OrDiscard(log)
	if read == nil {
		read = fitsimg.ReadHeader
	}

	type slot struct {
		rec ExposureRecord
		ok  bool
	}
	slots, err := pipeline.Map(ctx, opts.Workers, files, func(ctx context.Context, path string) (slot, error) {
		if err := ctx.Err(); err != nil {
			return slot{}, err
		}
		h, err := read(path)
		if err != nil {
			log.Warn("unable to read header, skipping file", "path", path, "error", err)
			return slot{}, nil
		}
		rec, err := RecordFromHeader(path, h, opts)
		if err != nil {
			log.Warn("header incomplete, skipping file", "path", path, "error", err)
			return slot{}, nil
		}
		return slot{rec: rec, ok: true}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("header scan: %w", err)
	}

	recs := make([]ExposureRecord, 0, len(slots))
	for _, s := range slots {
		if s.ok {
			recs = append(recs, s.rec)
		}
	}
	log.Info("header scan complete", "files", len(files), "usable", len(recs))
	return recs, nil
}
