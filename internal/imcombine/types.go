package imcombine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTooFewImages       = errors.New("too few images to combine")
	ErrOutputExists       = errors.New("output already exists")
	ErrUnknownCombineType = errors.New("unknown combine type")
	ErrUnknownCenterType  = errors.New("unknown center type")
	ErrUnknownBackType    = errors.New("unknown background type")
	ErrFieldNotInGrid     = errors.New("field ID not present in field grid")
)

// Mask bit values.
const (
	MaskBad          uint8 = 1
	MaskCosmic       uint8 = 2
	MaskSaturated    uint8 = 4
	MaskSatConnected uint8 = 8
	MaskSatellite    uint8 = 16
	MaskEdge         uint8 = 32
)

// MaskValues lists every mask bit.
var MaskValues = []uint8{MaskBad, MaskCosmic, MaskSaturated, MaskSatConnected, MaskSatellite, MaskEdge}

// CombineType is the SWarp pixel combination rule.
type CombineType string

const (
	CombineMedian         CombineType = "median"
	CombineAverage        CombineType = "average"
	CombineMin            CombineType = "min"
	CombineMax            CombineType = "max"
	CombineWeighted       CombineType = "weighted"
	CombineWeightedWeight CombineType = "weighted_weight"
	CombineMedianWeight   CombineType = "median_weight"
	CombineChi2           CombineType = "chi2"
	CombineSum            CombineType = "sum"
	CombineClipped        CombineType = "clipped"
)

var combineTypes = []CombineType{
	CombineMedian, CombineAverage, CombineMin, CombineMax, CombineWeighted,
	CombineChi2, CombineSum, CombineClipped, CombineWeightedWeight, CombineMedianWeight,
}

// ParseCombineType accepts any case.
func ParseCombineType(s string) (CombineType, error) {
	ct := CombineType(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range combineTypes {
		if ct == t {
			return ct, nil
		}
	}
	return "", fmt.Errorf("%w %q, should be one of %v", ErrUnknownCombineType, s, combineTypes)
}

// CenterType selects the sky position of the output grid.
type CenterType string

const (
	CenterFirst  CenterType = "first"
	CenterLast   CenterType = "last"
	CenterMean   CenterType = "mean"
	CenterMedian CenterType = "median"
	CenterGrid   CenterType = "grid"
)

// ParseCenterType accepts any case.
func ParseCenterType(s string) (CenterType, error) {
	ct := CenterType(strings.ToLower(strings.TrimSpace(s)))
	switch ct {
	case CenterFirst, CenterLast, CenterMean, CenterMedian, CenterGrid:
		return ct, nil
	}
	return "", fmt.Errorf("%w %q, should be one of [first last mean median grid]", ErrUnknownCenterType, s)
}

// BackType selects how the sky background is handled.
type BackType string

const (
	// BackNone leaves the background in place.
	BackNone BackType = "none"
	// BackAuto lets SWarp fit and subtract the background.
	BackAuto BackType = "auto"
	// BackManual lets SWarp subtract a constant.
	BackManual BackType = "manual"
	// BackConstant subtracts the clipped median of each image.
	BackConstant BackType = "constant"
	// BackBlackbox subtracts the background map produced by the
	// reduction.
	BackBlackbox BackType = "blackbox"
)

// ParseBackType accepts any case.
func ParseBackType(s string) (BackType, error) {
	bt := BackType(strings.ToLower(strings.TrimSpace(s)))
	switch bt {
	case BackNone, BackAuto, BackManual, BackConstant, BackBlackbox:
		return bt, nil
	}
	return "", fmt.Errorf("%w %q, should be one of [none auto manual constant blackbox]", ErrUnknownBackType, s)
}

// Subtracted reports whether the combined image is background subtracted.
func (b BackType) Subtracted() bool { return b != BackNone }

// swarp returns the SUBTRACT_BACK and BACK_TYPE values. Backgrounds removed
// before resampling, or not at all, must not be touched by SWarp.
func (b BackType) swarp() (bool, string) {
	switch b {
	case BackBlackbox, BackConstant, BackNone:
		return false, "manual"
	}
	return true, string(b)
}
