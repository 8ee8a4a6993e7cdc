package imcombine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"refbuild/internal/fitsimg"
)

// Fingerprint is the set of exposure identifiers a reference was built from.
type Fingerprint struct {
	IDs []string // sorted, unique
}

// NewFingerprint builds the fingerprint of a list of image paths.
func NewFingerprint(paths []string) Fingerprint {
	seen := make(map[string]bool, len(paths))
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		id := fitsimg.BaseID(p)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return Fingerprint{IDs: ids}
}

// Digest is the hex sha256 of the sorted identifiers.
func (f Fingerprint) Digest() string {
	sum := sha256.Sum256([]byte(strings.Join(f.IDs, "\n")))
	return hex.EncodeToString(sum[:])
}

// Equal compares as sets.
func (f Fingerprint) Equal(o Fingerprint) bool {
	if len(f.IDs) != len(o.IDs) {
		return false
	}
	for i := range f.IDs {
		if f.IDs[i] != o.IDs[i] {
			return false
		}
	}
	return true
}

// FingerprintFromHeader recovers the fingerprint recorded by Combine from
// R-NUSED and R-IMn. ok is false when the header carries no image list.
func FingerprintFromHeader(h *fitsimg.Header) (Fingerprint, bool) {
	n, err := h.Int("R-NUSED")
	if err != nil {
		n = 1
	}
	if !h.Has("R-IM1") {
		return Fingerprint{}, false
	}
	var names []string
	for i := 1; i <= n; i++ {
		if name, err := h.String(fmt.Sprintf("R-IM%d", i)); err == nil {
			names = append(names, name)
		}
	}
	return NewFingerprint(names), true
}

// Unchanged reports whether the reference at path was built from exactly
// the exposures in images. A missing reference is never unchanged.
func Unchanged(path string, images []string) (bool, error) {
	resolved, ok := fitsimg.ResolvePath(path)
	if !ok {
		return false, nil
	}
	h, err := fitsimg.ReadHeader(resolved)
	if err != nil {
		return false, fmt.Errorf("read existing reference header: %w", err)
	}
	used, ok := FingerprintFromHeader(h)
	if !ok {
		return false, nil
	}
	return used.Equal(NewFingerprint(images)), nil
}
