package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const reducedSuffix = "_red.fits"

// ListReduced returns the reduced images under root, laid out as
// root/yyyy/mm/dd/*_red.fits[.fz]. When both the plain and the fpacked
// version of a frame exist only the plain one is returned.
func ListReduced(root string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*", "*", "*", "*"+reducedSuffix+"*"))
	if err != nil {
		return nil, err
	}
	byBase := make(map[string]string, len(matches))
	for _, m := range matches {
		if !IsReduced(m) {
			continue
		}
		key := strings.TrimSuffix(m, ".fz")
		if prev, ok := byBase[key]; ok && !strings.HasSuffix(prev, ".fz") {
			continue
		}
		byBase[key] = m
	}
	files := make([]string, 0, len(byBase))
	for _, f := range byBase {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// IsReduced checks if path names a reduced image, plain or fpacked.
func IsReduced(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, reducedSuffix) || strings.HasSuffix(name, reducedSuffix+".fz")
}

// DirMaker serializes directory creation across concurrent jobs.
type DirMaker struct {
	mu sync.Mutex
}

// MakeDir creates path if needed. With empty set, any existing contents are
// removed first.
func (d *DirMaker) MakeDir(path string, empty bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if empty {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("clear %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}

// CopyFile copies src to dst, replacing dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// MoveMatching moves every file in dir whose name starts with prefix into
// dir/sub, replacing same-named files there. It returns the moved names.
func MoveMatching(dir, prefix, sub string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var moved []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		target := filepath.Join(dir, sub)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return moved, err
		}
		if err := os.Rename(filepath.Join(dir, e.Name()), filepath.Join(target, e.Name())); err != nil {
			return moved, fmt.Errorf("archive %s: %w", e.Name(), err)
		}
		moved = append(moved, e.Name())
	}
	return moved, nil
}
