package selector

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	mjdUnixEpoch = 40587.0
	defaultSpan  = 365.25 * 10
)

// MJD converts t to a modified Julian date.
func MJD(t time.Time) float64 {
	return float64(t.UTC().UnixNano())/float64(24*time.Hour) + mjdUnixEpoch
}

// MJDNow returns the MJD of noon on the current day (UT), the anchor for
// relative date offsets.
func MJDNow(now time.Time) float64 {
	return math.Floor(MJD(now)) + 0.5
}

var dateSeparators = strings.NewReplacer(",", "", "-", "", ".", "", "/", "")

// ParseDate turns a date argument into an MJD. An empty value means ten years
// before now for the start of the window and now for its end. Values shorter
// than eight characters are offsets in days relative to now; anything else is
// a calendar date yyyymmdd (separators allowed) taken at 12:00 UT.
func ParseDate(value string, now time.Time, start bool) (float64, error) {
	mjdNow := MJDNow(now)
	value = strings.TrimSpace(value)
	if value == "" {
		if start {
			return mjdNow - defaultSpan, nil
		}
		return mjdNow, nil
	}
	if len(value) < 8 {
		off, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid relative date %q: %w", value, err)
		}
		return mjdNow + math.Round(off), nil
	}
	digits := dateSeparators.Replace(value)
	t, err := time.ParseInLocation("20060102 15:04", digits+" 12:00", time.UTC)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", value, err)
	}
	return MJD(t), nil
}
