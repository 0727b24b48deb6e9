package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Kind says how a cell is checked.
type Kind int

const (
	KindPath Kind = iota
	KindMetadata
)

func (k Kind) String() string {
	switch k {
	case KindPath:
		return "filepath"
	case KindMetadata:
		return "metadata"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ValidationDetails routes one cell to its check and back to its
// coordinate.
type ValidationDetails struct {
	Value        interface{}
	Index        int
	OriginColumn string
	Kind         Kind
}

// SchemaError reports a declared column that the manifest lacks.
type SchemaError struct {
	Kind      Kind
	Column    string
	Available []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("could not find %s column: %q in manifest columns: %q", e.Kind, e.Column, e.Available)
}

// CellError locates a failed check by column and row index.
type CellError struct {
	Column string
	Index  int
	Value  interface{}
	Err    error
}

func (e *CellError) Error() string {
	return fmt.Sprintf("%v: source column: %q, at index: %d", e.Err, e.Column, e.Index)
}

func (e *CellError) Unwrap() error {
	return e.Err
}

// CheckColumns returns a *SchemaError for the first declared column
// missing from m.
func CheckColumns(m *Manifest, pathColumns, metadataColumns []string) error {
	for _, col := range pathColumns {
		if !m.HasColumn(col) {
			return &SchemaError{Kind: KindPath, Column: col, Available: m.Columns()}
		}
	}
	for _, col := range metadataColumns {
		if !m.HasColumn(col) {
			return &SchemaError{Kind: KindMetadata, Column: col, Available: m.Columns()}
		}
	}
	return nil
}

// CleanMetadata returns v if it can be encoded as JSON, and its
// string form otherwise.
func CleanMetadata(v interface{}, context string) interface{} {
	_, err := json.Marshal(v)
	if err == nil {
		return v
	}
	log.Debugf("casting %v to string to make it JSON serializable. %s", v, context)
	return fmt.Sprint(v)
}

func validateFilepath(d ValidationDetails) (ValidationDetails, error) {
	if d.Value == nil {
		return d, &CellError{Column: d.OriginColumn, Index: d.Index, Value: d.Value, Err: ErrPathNotFound}
	}
	p, err := ResolveFilepath(fmt.Sprint(d.Value))
	if err != nil {
		cause := errors.Cause(err)
		if cause == ErrPathNotFound || cause == ErrPathIsDirectory {
			err = cause
		}
		return d, &CellError{Column: d.OriginColumn, Index: d.Index, Value: d.Value, Err: errors.Wrapf(err, "%q", fmt.Sprint(d.Value))}
	}
	d.Value = p
	return d, nil
}

func route(d ValidationDetails) (ValidationDetails, error) {
	if d.Kind == KindPath {
		return validateFilepath(d)
	}
	d.Value = CleanMetadata(d.Value, fmt.Sprintf("value from column: %s, index: %d", d.OriginColumn, d.Index))
	return d, nil
}

type options struct {
	workers  int
	progress func(done, total int)
}

type Option func(*options)

// WithWorkers bounds the number of cells checked at once.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithProgress registers fn to be called after each cell is checked.
// fn may be called from several goroutines at once.
func WithProgress(fn func(done, total int)) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// Details lists one ValidationDetails per cell: every path column
// cell, then every metadata column cell.
func Details(m *Manifest, pathColumns, metadataColumns []string) (details []ValidationDetails) {
	for _, col := range pathColumns {
		for i := 0; i < m.Len(); i++ {
			details = append(details, ValidationDetails{Value: m.Get(i, col), Index: i, OriginColumn: col, Kind: KindPath})
		}
	}
	for _, col := range metadataColumns {
		for i := 0; i < m.Len(); i++ {
			details = append(details, ValidationDetails{Value: m.Get(i, col), Index: i, OriginColumn: col, Kind: KindMetadata})
		}
	}
	return
}

// Validate checks every declared cell of m and returns a validated
// copy: path cells are resolved to absolute existing files, and
// metadata cells are made JSON-safe.  Cells are checked concurrently;
// the first failure aborts the call and no copy is returned.  m is
// never modified.
func Validate(ctx context.Context, m *Manifest, pathColumns, metadataColumns []string, opts ...Option) (*Manifest, error) {
	o := options{workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}

	err := CheckColumns(m, pathColumns, metadataColumns)
	if err != nil {
		return nil, err
	}

	details := Details(m, pathColumns, metadataColumns)
	total := len(details)
	out := m.Copy()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	var done int64
	for _, d := range details {
		d := d // per-iteration copy (go directive is below 1.22)
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := route(d)
			if err != nil {
				return err
			}
			// each task owns exactly one cell
			out.Set(res.Index, res.OriginColumn, res.Value)
			n := atomic.AddInt64(&done, 1)
			if o.progress != nil {
				o.progress(int(n), total)
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("validated %d cells", total)
	return out, nil
}
