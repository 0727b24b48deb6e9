package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mkfiles creates each relative path under dir with its name as
// content.
func mkfiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		fn := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(fn), 0755))
		require.NoError(t, os.WriteFile(fn, []byte(name), 0644))
	}
}

func realTempDir(t *testing.T) string {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestResolveFilepath(t *testing.T) {
	dir := realTempDir(t)
	mkfiles(t, dir, "a/b.txt")

	got, err := ResolveFilepath(filepath.Join(dir, "a", "..", "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a", "b.txt"), got)

	require.NoError(t, os.Symlink(filepath.Join(dir, "a", "b.txt"), filepath.Join(dir, "link")))
	got, err = ResolveFilepath(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a", "b.txt"), got)

	_, err = ResolveFilepath(filepath.Join(dir, "a"))
	assert.Equal(t, ErrPathIsDirectory, errors.Cause(err))

	_, err = ResolveFilepath(filepath.Join(dir, "nope.txt"))
	assert.Equal(t, ErrPathNotFound, errors.Cause(err))
}

func TestResolveDirectory(t *testing.T) {
	dir := realTempDir(t)
	mkfiles(t, dir, "f.txt")

	_, err := ResolveDirectory(filepath.Join(dir, "f.txt"), true)
	assert.Equal(t, ErrIsFile, errors.Cause(err))

	_, err = ResolveDirectory(filepath.Join(dir, "new"), false)
	assert.Equal(t, ErrPathNotFound, errors.Cause(err))

	got, err := ResolveDirectory(filepath.Join(dir, "new", "sub"), true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "new", "sub"), got)
	assert.DirExists(t, got)
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), ExpandUser("~/x"))
	assert.Equal(t, home, ExpandUser("~"))
	assert.Equal(t, "~x", ExpandUser("~x"))
	assert.Equal(t, "/a/b", ExpandUser("/a/b"))
}

func TestRoundTrip(t *testing.T) {
	dir := realTempDir(t)
	mkfiles(t, dir, "a.txt", "sub/b.txt", "sub/deeper/c.txt")

	m := New("filepath", "other", "label")
	require.NoError(t, m.AppendRow("a.txt", "sub/b.txt", "x"))
	require.NoError(t, m.AppendRow("sub/deeper/c.txt", nil, "y"))
	cols := []string{"filepath", "other"}

	abs, err := Rel2Abs(m, cols, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.txt"), abs.Get(0, "filepath"))
	assert.Equal(t, filepath.Join(dir, "sub", "b.txt"), abs.Get(0, "other"))
	assert.Nil(t, abs.Get(1, "other"))
	assert.Equal(t, "a.txt", m.Get(0, "filepath"))

	abs2, err := Rel2Abs(abs, cols, dir)
	require.NoError(t, err)
	assert.Equal(t, abs.Column("filepath"), abs2.Column("filepath"))

	rel, err := Abs2Rel(abs2, cols, dir)
	require.NoError(t, err)
	rel2, err := Abs2Rel(rel, cols, dir)
	require.NoError(t, err)
	for _, col := range m.Columns() {
		assert.Equal(t, m.Column(col), rel.Column(col), col)
		assert.Equal(t, m.Column(col), rel2.Column(col), col)
	}
}

func TestAbs2RelOutside(t *testing.T) {
	dir := realTempDir(t)
	mkfiles(t, dir, "in/a.txt", "out/b.txt")

	m := New("filepath")
	require.NoError(t, m.AppendRow(filepath.Join(dir, "out", "b.txt")))
	_, err := Abs2Rel(m, []string{"filepath"}, filepath.Join(dir, "in"))
	var ce *CellError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "filepath", ce.Column)
	assert.Equal(t, 0, ce.Index)

	_, err = Abs2Rel(m, []string{"nope"}, dir)
	var se *SchemaError
	assert.ErrorAs(t, err, &se)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "my_raw_step", SanitizeName("my raw step"))
	assert.Equal(t, "plain", SanitizeName("plain"))
}
