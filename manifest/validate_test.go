package manifest

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opaque struct {
	Ch chan int
}

func (o opaque) String() string {
	return "opaque"
}

func TestCheckColumns(t *testing.T) {
	m := New("filepath", "label")
	assert.NoError(t, CheckColumns(m, []string{"filepath"}, []string{"label"}))

	err := CheckColumns(m, []string{"filepath", "other"}, nil)
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindPath, se.Kind)
	assert.Equal(t, "other", se.Column)
	assert.Contains(t, err.Error(), "filepath column")

	err = CheckColumns(m, nil, []string{"size"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindMetadata, se.Kind)
	assert.Contains(t, err.Error(), "metadata column")
}

func TestCleanMetadata(t *testing.T) {
	assert.Equal(t, "x", CleanMetadata("x", ""))
	assert.Equal(t, int64(3), CleanMetadata(int64(3), ""))
	m := map[string]interface{}{"a": []interface{}{1, "b"}}
	assert.Equal(t, m, CleanMetadata(m, ""))
	assert.Equal(t, "opaque", CleanMetadata(opaque{Ch: make(chan int)}, "test"))
}

func TestValidate(t *testing.T) {
	dir := realTempDir(t)
	mkfiles(t, dir, "a.txt", "b.txt", "c.txt")

	m := New("filepath", "label", "obj")
	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, m.AppendRow(filepath.Join(dir, "sub", "..", name), int64(i), opaque{}))
	}

	var calls int64
	var last int64
	out, err := Validate(context.Background(), m,
		[]string{"filepath"}, []string{"label", "obj"},
		WithWorkers(2),
		WithProgress(func(done, total int) {
			atomic.AddInt64(&calls, 1)
			assert.Equal(t, 9, total)
			if done == total {
				atomic.StoreInt64(&last, int64(done))
			}
		}))
	require.NoError(t, err)
	assert.Equal(t, int64(9), calls)
	assert.Equal(t, int64(9), last)

	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		assert.Equal(t, filepath.Join(dir, name), out.Get(i, "filepath"))
		assert.Equal(t, int64(i), out.Get(i, "label"))
		assert.Equal(t, "opaque", out.Get(i, "obj"))
	}

	// caller's manifest is untouched
	assert.Equal(t, filepath.Join(dir, "sub", "..", "a.txt"), m.Get(0, "filepath"))
	assert.IsType(t, opaque{}, m.Get(0, "obj"))
}

func TestValidateErrors(t *testing.T) {
	dir := realTempDir(t)
	mkfiles(t, dir, "a.txt", "d/x.txt")

	m := New("filepath")
	require.NoError(t, m.AppendRow(filepath.Join(dir, "a.txt")))
	require.NoError(t, m.AppendRow(filepath.Join(dir, "missing.txt")))
	out, err := Validate(context.Background(), m, []string{"filepath"}, nil)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrPathNotFound)
	var ce *CellError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)
	assert.True(t, strings.Contains(err.Error(), `source column: "filepath", at index: 1`), err.Error())

	m = New("filepath")
	require.NoError(t, m.AppendRow(filepath.Join(dir, "d")))
	_, err = Validate(context.Background(), m, []string{"filepath"}, nil)
	assert.ErrorIs(t, err, ErrPathIsDirectory)

	m = New("filepath")
	require.NoError(t, m.AppendRow(nil))
	_, err = Validate(context.Background(), m, []string{"filepath"}, nil)
	assert.ErrorIs(t, err, ErrPathNotFound)

	// schema errors come before any cell is looked at
	m = New("filepath")
	require.NoError(t, m.AppendRow(filepath.Join(dir, "missing.txt")))
	_, err = Validate(context.Background(), m, []string{"filepath"}, []string{"label"})
	var se *SchemaError
	assert.ErrorAs(t, err, &se)
}

func TestValidateCanceled(t *testing.T) {
	dir := realTempDir(t)
	mkfiles(t, dir, "a.txt")
	m := New("filepath")
	require.NoError(t, m.AppendRow(filepath.Join(dir, "a.txt")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Validate(ctx, m, []string{"filepath"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
