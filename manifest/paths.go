package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrPathNotFound    = errors.New("file not found")
	ErrPathIsDirectory = errors.New("path is a directory")
	ErrIsFile          = errors.New("path is a file")
)

// ExpandUser replaces a leading ~ with the current user's home
// directory.
func ExpandUser(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// Resolve returns the absolute form of p with ~ expanded and, where
// the path exists, symlinks evaluated.
func Resolve(p string) (string, error) {
	abs, err := filepath.Abs(ExpandUser(p))
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// fall back to the lexical form for paths that don't exist yet
		return abs, nil
	}
	return real, nil
}

// ResolveFilepath returns the absolute, symlink-free path of an
// existing regular file.
func ResolveFilepath(p string) (string, error) {
	abs, err := filepath.Abs(ExpandUser(p))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return "", errors.Wrap(ErrPathNotFound, p)
	}
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.Wrap(ErrPathIsDirectory, p)
	}
	return filepath.EvalSymlinks(abs)
}

// ResolveDirectory returns the absolute, symlink-free path of
// directory d, creating it first if mk is true.
func ResolveDirectory(d string, mk bool) (string, error) {
	abs, err := filepath.Abs(ExpandUser(d))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err == nil && !info.IsDir() {
		return "", errors.Wrap(ErrIsFile, d)
	}
	if mk {
		err = os.MkdirAll(abs, 0755)
		if err != nil {
			return "", err
		}
	}
	real, err := filepath.EvalSymlinks(abs)
	if os.IsNotExist(err) {
		return "", errors.Wrap(ErrPathNotFound, d)
	}
	return real, err
}

// Rel2Abs returns a copy of m with every cell in cols made absolute,
// treating relative cells as relative to dir.  Absolute cells are
// left as they are, so applying it twice is the same as applying it
// once.
func Rel2Abs(m *Manifest, cols []string, dir string) (*Manifest, error) {
	base, err := Resolve(dir)
	if err != nil {
		return nil, err
	}
	return mapPaths(m, cols, func(p string) (string, error) {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		return Resolve(p)
	})
}

// Abs2Rel returns a copy of m with every cell in cols made relative
// to dir.  Cells must lie under dir.  Relative cells are taken as
// already relative to dir.
func Abs2Rel(m *Manifest, cols []string, dir string) (*Manifest, error) {
	base, err := Resolve(dir)
	if err != nil {
		return nil, err
	}
	return mapPaths(m, cols, func(p string) (string, error) {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		abs, err := Resolve(p)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil {
			return "", err
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%s is not under %s", abs, base)
		}
		return filepath.ToSlash(rel), nil
	})
}

func mapPaths(m *Manifest, cols []string, fn func(string) (string, error)) (*Manifest, error) {
	for _, col := range cols {
		if !m.HasColumn(col) {
			return nil, &SchemaError{Kind: KindPath, Column: col, Available: m.Columns()}
		}
	}
	out := m.Copy()
	for _, col := range cols {
		for i := 0; i < out.Len(); i++ {
			v := out.Get(i, col)
			if v == nil {
				continue
			}
			p, err := fn(fmt.Sprint(v))
			if err != nil {
				return nil, &CellError{Column: col, Index: i, Value: v, Err: err}
			}
			out.Set(i, col, p)
		}
	}
	return out, nil
}

// SanitizeName replaces spaces with underscores.
func SanitizeName(s string) string {
	return strings.ReplaceAll(s, " ", "_")
}
