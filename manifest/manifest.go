// Package manifest holds the tabular record of files a pipeline step
// produced, one row per output, and the validation that runs over it
// before packaging.
package manifest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/google/renameio"
	"github.com/pkg/errors"
)

// Manifest is an ordered table.  Row order is insertion order; a
// row's index is its identity.
type Manifest struct {
	columns []string
	index   map[string]int
	rows    [][]interface{}
}

// New returns an empty manifest with the given columns.
func New(columns ...string) *Manifest {
	m := &Manifest{index: make(map[string]int, len(columns))}
	for _, col := range columns {
		if _, ok := m.index[col]; ok {
			continue
		}
		m.index[col] = len(m.columns)
		m.columns = append(m.columns, col)
	}
	return m
}

// AppendRow adds a row.  values are in column order.
func (m *Manifest) AppendRow(values ...interface{}) error {
	if len(values) != len(m.columns) {
		return fmt.Errorf("row has %d values, manifest has %d columns", len(values), len(m.columns))
	}
	row := make([]interface{}, len(values))
	copy(row, values)
	m.rows = append(m.rows, row)
	return nil
}

// AppendMap adds a row from a column-name map.  Columns missing from
// rec are left nil; keys that aren't columns are an error.
func (m *Manifest) AppendMap(rec map[string]interface{}) error {
	row := make([]interface{}, len(m.columns))
	for k, v := range rec {
		i, ok := m.index[k]
		if !ok {
			return fmt.Errorf("unknown column %q", k)
		}
		row[i] = v
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *Manifest) Columns() []string {
	return append([]string(nil), m.columns...)
}

func (m *Manifest) HasColumn(col string) bool {
	_, ok := m.index[col]
	return ok
}

// Len returns the number of rows.
func (m *Manifest) Len() int {
	return len(m.rows)
}

// Get returns the cell at row, col; nil if col doesn't exist.
func (m *Manifest) Get(row int, col string) interface{} {
	i, ok := m.index[col]
	if !ok {
		return nil
	}
	return m.rows[row][i]
}

// Set replaces the cell at row, col.  Writers touching distinct
// cells may run concurrently.
func (m *Manifest) Set(row int, col string, v interface{}) {
	i, ok := m.index[col]
	if !ok {
		panic(fmt.Sprintf("no such column: %q", col))
	}
	m.rows[row][i] = v
}

// Column returns a copy of every value in col, in row order.
func (m *Manifest) Column(col string) (values []interface{}) {
	i, ok := m.index[col]
	if !ok {
		return nil
	}
	for _, row := range m.rows {
		values = append(values, row[i])
	}
	return
}

// Copy returns a manifest with its own cell grid.
func (m *Manifest) Copy() *Manifest {
	out := New(m.columns...)
	out.rows = make([][]interface{}, len(m.rows))
	for i, row := range m.rows {
		out.rows[i] = append([]interface{}(nil), row...)
	}
	return out
}

// ReadCSV parses a header row plus data rows.  Cells that parse as
// integers become int64, floats become float64, True/False become
// bool, and empty cells become nil; everything else stays a string.
// Non-empty cells of the raw columns, such as path columns, always
// stay strings.
func ReadCSV(r io.Reader, raw ...string) (m *Manifest, err error) {
	rd := csv.NewReader(r)
	header, err := rd.Read()
	if err == io.EOF {
		return nil, errors.New("manifest has no header row")
	}
	if err != nil {
		return nil, errors.Wrap(err, "read manifest header")
	}
	m = New(header...)
	if len(m.columns) != len(header) {
		return nil, fmt.Errorf("duplicate column in header: %v", header)
	}
	keep := make([]bool, len(header))
	for _, col := range raw {
		if i, ok := m.index[col]; ok {
			keep[i] = true
		}
	}
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read manifest row %d", m.Len())
		}
		row := make([]interface{}, len(rec))
		for i, cell := range rec {
			if keep[i] && cell != "" {
				row[i] = cell
				continue
			}
			row[i] = parseCell(cell)
		}
		m.rows = append(m.rows, row)
	}
	return m, nil
}

// WriteCSV writes a header row plus data rows.
func (m *Manifest) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	err := cw.Write(m.columns)
	if err != nil {
		return err
	}
	rec := make([]string, len(m.columns))
	for _, row := range m.rows {
		for i, v := range row {
			rec[i] = formatCell(v)
		}
		err = cw.Write(rec)
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Load reads a manifest from a CSV file, keeping the raw columns as
// strings.
func Load(path string, raw ...string) (*Manifest, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	m, err := ReadCSV(fh, raw...)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return m, nil
}

// Save atomically replaces path with the manifest in CSV form.
func (m *Manifest) Save(path string) (err error) {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return
	}
	defer t.Cleanup()
	err = m.WriteCSV(t)
	if err != nil {
		return
	}
	return t.CloseAtomicallyReplace()
}

func parseCell(s string) interface{} {
	switch s {
	case "":
		return nil
	case "True", "true":
		return true
	case "False", "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return s
}

func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case map[string]interface{}, []interface{}:
		buf, err := json.Marshal(x)
		if err == nil {
			return string(buf)
		}
	}
	return fmt.Sprint(v)
}
