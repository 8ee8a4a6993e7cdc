package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/dustin/go-humanize"
)

// scratchFactor covers the resampled images, weight maps and masks SWarp
// writes next to each input.
const scratchFactor = 4

// EstimateScratch estimates the bytes a combination of images needs in its
// scratch directory, sampling at most five inputs.
func EstimateScratch(images []string) (uint64, error) {
	if len(images) == 0 {
		return 0, nil
	}
	sample := len(images)
	if sample > 5 {
		sample = 5
	}
	var total, seen uint64
	for _, p := range images[:sample] {
		if st, err := os.Stat(p); err == nil {
			total += uint64(st.Size())
			seen++
		}
	}
	if seen == 0 {
		return 0, fmt.Errorf("could not determine file sizes")
	}
	return total / seen * uint64(len(images)) * scratchFactor, nil
}

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckScratch reports whether dir has room for need bytes times the
// number of concurrent jobs, logging a warning when it does not. Errors
// determining either quantity count as enough room.
func CheckScratch(dir string, need uint64, jobs int, log *slog.Logger) bool {
	if need == 0 {
		return true
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Debug("unable to create scratch directory", "path", dir, "error", err)
		return true
	}
	free, err := FreeSpace(dir)
	if err != nil {
		log.Debug("failed to get free space", "path", dir, "error", err)
		return true
	}
	if jobs < 1 {
		jobs = 1
	}
	want := need * uint64(jobs)
	if free < want {
		log.Warn("scratch space may be insufficient",
			"path", dir,
			"free", humanize.Bytes(free),
			"estimated", humanize.Bytes(want),
			"jobs", jobs,
		)
		return false
	}
	log.Debug("scratch space check", "path", dir, "free", humanize.Bytes(free), "estimated", humanize.Bytes(want))
	return true
}
