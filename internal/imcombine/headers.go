package imcombine

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"refbuild/internal/fitsimg"
)

// Effective holds the detector properties of the combined image.
type Effective struct {
	Gain     float64
	RDNoise  float64
	Saturate float64
	ExpTime  float64
	MJD      float64
}

// CalcHeaders derives the effective detector properties from the members.
// Gain and MJD are averaged. For the sum rule read noise adds in quadrature
// and saturation and exposure time add up; otherwise they are averaged and
// the read noise is the quadrature sum divided by the member count.
func CalcHeaders(ct CombineType, gains, rdnoises, saturates, exptimes, mjds []float64) Effective {
	e := Effective{
		Gain: stat.Mean(gains, nil),
		MJD:  stat.Mean(mjds, nil),
	}
	quad := math.Sqrt(floats.Dot(rdnoises, rdnoises))
	if ct == CombineSum {
		e.RDNoise = quad
		e.Saturate = floats.Sum(saturates)
		e.ExpTime = floats.Sum(exptimes)
	} else {
		e.RDNoise = quad / float64(len(rdnoises))
		e.Saturate = stat.Mean(saturates, nil)
		e.ExpTime = stat.Mean(exptimes, nil)
	}
	return e
}

// Provenance is recorded in every combined image.
type Provenance struct {
	Version   string
	StartedAt time.Time
	TimeRange string
	QCMax     string
	SeeingMax float64 // 0 when no ceiling was applied
}

const isoMillis = "2006-01-02T15:04:05.000"

// MJDTime converts a modified Julian date to UTC time.
func MJDTime(mjd float64) time.Time {
	const mjdUnixEpoch = 40587.0
	ns := (mjd - mjdUnixEpoch) * float64(24*time.Hour)
	return time.Unix(0, int64(math.Round(ns))).UTC()
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// setEffective writes the effective detector properties.
func setEffective(h *fitsimg.Header, e Effective) {
	h.Set("GAIN", finite(e.Gain), "[e-/ADU] effective gain")
	h.Set("RDNOISE", finite(e.RDNoise), "[e-] effective read-out noise")
	h.Set("SATURATE", finite(e.Saturate), "[e-] effective saturation threshold")
	h.Set("EXPTIME", finite(e.ExpTime), "[s] effective exposure time")
	h.Set("DATE-OBS", MJDTime(e.MJD).Format(isoMillis), "average date of observation")
	h.Set("MJD-OBS", finite(e.MJD), "[days] average MJD")
}

// setProvenance records how the reference was built. used holds the
// exposure identifiers in combination order.
func setProvenance(h *fitsimg.Header, p Provenance, used []string, ct CombineType, bt BackType, cent CenterType, maskDiscard int) {
	h.Set("R-V", p.Version, "reference building module version used")
	h.Set("R-TSTART", p.StartedAt.UTC().Format(isoMillis), "UT time that module was started")
	h.Set("R-NUSED", len(used), "number of images used to combine")
	for i, id := range used {
		h.Set(fmt.Sprintf("R-IM%d", i+1), id, fmt.Sprintf("image %d used to combine", i+1))
	}
	fp := NewFingerprint(used)
	h.Set("R-FPRINT", fp.Digest(), "sha256 of sorted input image identifiers")
	h.Set("R-COMB-M", string(ct), "input images combination method")
	h.Set("R-BKG-M", string(bt), "input images background subtraction method")
	h.Set("BKG-SUB", bt.Subtracted(), "sky background was subtracted?")
	h.Set("R-CNTR-M", string(cent), "reference image centering method")
	h.Set("R-MSKREJ", maskDiscard, "reject pixels with mask values part of this sum")
	h.Set("R-TRANGE", p.TimeRange, "[date/days] use images <= these limits of R-TSTART")
	h.Set("R-QCMAX", p.QCMax, "use images <= this QC flag")
	if p.SeeingMax > 0 {
		h.Set("R-SEEMAX", p.SeeingMax, "[arcsec] use images <= this seeing")
	} else {
		h.Set("R-SEEMAX", "None", "[arcsec] use images <= this seeing")
	}
	h.Set("AIRMASS", 1.0, "Airmass forced to 1 in refbuild module")
}
