package datapkg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/datastep/manifest"
)

// AssociatesKey is the metadata key linking the files of one
// manifest row.
const AssociatesKey = "associates"

// Builder turns a validated manifest into a Package.  A Builder is
// not safe for concurrent use; rows must be visited in order since
// each merge depends on every earlier row that touched the same key.
type Builder struct {
	Root            string
	PathColumns     []string
	MetadataColumns []string

	reduction map[string]bool
}

// Build is a shortcut for a one-off Builder.
func Build(m *manifest.Manifest, root string, pathColumns, metadataColumns []string) (*Package, *manifest.Manifest, error) {
	b := &Builder{Root: root, PathColumns: pathColumns, MetadataColumns: metadataColumns}
	return b.Build(m)
}

// Reduction returns, per metadata column, whether the column was
// collapsed to scalars by the last Build.
func (b *Builder) Reduction() map[string]bool {
	out := make(map[string]bool, len(b.reduction))
	for k, v := range b.reduction {
		out[k] = v
	}
	return out
}

// Build returns the package and a copy of m whose path cells hold
// logical keys.  On error no package is returned.
func (b *Builder) Build(m *manifest.Manifest) (pkg *Package, out *manifest.Manifest, err error) {
	err = manifest.CheckColumns(m, b.PathColumns, b.MetadataColumns)
	if err != nil {
		return nil, nil, err
	}
	root, err := manifest.Resolve(b.Root)
	if err != nil {
		return nil, nil, err
	}

	out = m.Copy()
	pkg = NewPackage()
	b.reduction = make(map[string]bool, len(b.MetadataColumns))
	for _, col := range b.MetadataColumns {
		b.reduction[col] = true
	}
	associates := make([]map[string]string, m.Len())

	for _, col := range b.PathColumns {
		for i := 0; i < out.Len(); i++ {
			err = b.add(pkg, out, root, col, i, associates)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	b.collapse(pkg)

	for _, mapping := range associates {
		if mapping == nil {
			continue
		}
		for _, lk := range mapping {
			e, err := pkg.Get(lk)
			if err != nil {
				return nil, nil, err
			}
			e.Meta[AssociatesKey] = copyMapping(mapping)
		}
	}

	log.Debugf("built package with %d entries from %d rows", pkg.Len(), m.Len())
	return pkg, out, nil
}

func (b *Builder) add(pkg *Package, out *manifest.Manifest, root, col string, i int, associates []map[string]string) (err error) {
	v := out.Get(i, col)
	if v == nil {
		return &manifest.CellError{Column: col, Index: i, Err: manifest.ErrPathNotFound}
	}
	physicalKey, err := manifest.Resolve(fmt.Sprint(v))
	if err != nil {
		return &manifest.CellError{Column: col, Index: i, Value: v, Err: err}
	}
	info, err := os.Stat(physicalKey)
	if err != nil {
		return &manifest.CellError{Column: col, Index: i, Value: v, Err: errors.Wrap(manifest.ErrPathNotFound, physicalKey)}
	}
	lk := LogicalKey(physicalKey, root, col)
	if prev, err := pkg.Get(lk); err == nil && prev.PhysicalKey != physicalKey {
		// another file outside root with the same name
		unique, err := UniqueLogicalKey(physicalKey)
		if err != nil {
			return &manifest.CellError{Column: col, Index: i, Value: v, Err: err}
		}
		lk = path.Join(path.Dir(lk), unique)
	}
	out.Set(i, col, lk)

	if info.IsDir() {
		return pkg.SetDir(lk, physicalKey)
	}

	meta := make(map[string]interface{}, len(b.MetadataColumns))
	for _, mcol := range b.MetadataColumns {
		mv := manifest.CleanMetadata(unwrapScalar(out.Get(i, mcol)),
			fmt.Sprintf("value from column: %s, index: %d", mcol, i))
		meta[mcol] = []interface{}{mv}
	}

	existing, err := pkg.Get(lk)
	if err == nil {
		for _, mcol := range b.MetadataColumns {
			prev, _ := existing.Meta[mcol].([]interface{})
			joined := append(append([]interface{}{}, prev...), meta[mcol].([]interface{})...)
			if b.reduction[mcol] {
				b.reduction[mcol] = allEqual(joined)
			}
			existing.Meta[mcol] = joined
		}
	} else {
		err = pkg.Set(lk, physicalKey, meta)
		if err != nil {
			return &manifest.CellError{Column: col, Index: i, Value: v, Err: err}
		}
		existing, _ = pkg.Get(lk)
	}
	existing.Size = info.Size()

	if associates[i] == nil {
		associates[i] = make(map[string]string)
	}
	associates[i][col] = lk
	return nil
}

// collapse replaces single-valued lists with their first element for
// every column that stayed reducible.
func (b *Builder) collapse(pkg *Package) {
	pkg.Walk(func(key string, e *Entry) error {
		for col, reducible := range b.reduction {
			if !reducible {
				continue
			}
			list, ok := e.Meta[col].([]interface{})
			if ok && len(list) > 0 {
				e.Meta[col] = list[0]
			}
		}
		return nil
	})
}

// LogicalKey returns the path of physicalKey relative to root, or
// "<column>/<base name>" for files outside root, with "read" and
// "path" dropped from the lower-cased column name.  A column name with
// nothing left gives the bare base name.
func LogicalKey(physicalKey, root, col string) string {
	rel, err := filepath.Rel(root, physicalKey)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(rel)
	}
	stripped := strings.ToLower(col)
	stripped = strings.ReplaceAll(stripped, "read", "")
	stripped = strings.ReplaceAll(stripped, "path", "")
	if stripped == "" {
		return filepath.Base(physicalKey)
	}
	return stripped + "/" + filepath.Base(physicalKey)
}

// UniqueLogicalKey returns a key that differs for files with the same
// name in different directories: the first eight hex digits of the
// sha256 of the resolved path, an underscore, and the base name.
func UniqueLogicalKey(p string) (string, error) {
	abs, err := manifest.Resolve(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:8] + "_" + filepath.Base(abs), nil
}

func allEqual(list []interface{}) bool {
	for _, v := range list[1:] {
		if !reflect.DeepEqual(v, list[0]) {
			return false
		}
	}
	return true
}

func copyMapping(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// unwrapScalar converts numeric wrappers and named basic types to
// plain int64, uint64, float64, string, or bool.
func unwrapScalar(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}
