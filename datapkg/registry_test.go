package datapkg

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hlubek/readercomp"
	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
)

func mkregistry(t *testing.T) *Registry {
	r, err := OpenRegistry(filepath.Join(t.TempDir(), "registry"))
	Ck(err)
	return r
}

func TestRegistryRoundTrip(t *testing.T) {
	dir := setup(t, "a.txt", "sub/b.txt")
	r := mkregistry(t)
	ctx := context.Background()

	pkg := NewPackage()
	Ck(pkg.Set("a.txt", filepath.Join(dir, "a.txt"), map[string]interface{}{"label": "A", "n": []interface{}{1, 2}}))
	Ck(pkg.Set("sub/b.txt", filepath.Join(dir, "sub", "b.txt"), nil))

	top, err := r.Push(ctx, pkg, "owner/proj", "first")
	tassert(t, err == nil, "%v", err)
	tassert(t, strings.HasPrefix(top, "sha256/"), "got %q", top)
	e, _ := pkg.Get("a.txt")
	tassert(t, e.Addr != "", "push didn't set address")
	tassert(t, e.Size == int64(len("a.txt")), "size %d", e.Size)

	browsed, err := r.Browse("owner/proj", "")
	tassert(t, err == nil, "%v", err)
	tassert(t, browsed.Len() == 2, "len %d", browsed.Len())
	be, err := browsed.Get("a.txt")
	tassert(t, err == nil, "%v", err)
	tassert(t, be.PhysicalKey == "", "browsed entry has a local file")
	tassert(t, be.Meta["label"] == "A", "got %v", be.Meta)
	tassert(t, reflect.DeepEqual(be.Meta["n"], []interface{}{int64(1), int64(2)}), "got %#v", be.Meta["n"])

	dest := t.TempDir()
	fetched, err := r.Fetch(ctx, browsed, dest)
	tassert(t, err == nil, "%v", err)
	for _, key := range []string{"a.txt", "sub/b.txt"} {
		fe, err := fetched.Get(key)
		tassert(t, err == nil, "%v", err)
		tassert(t, fe.PhysicalKey == filepath.Join(dest, filepath.FromSlash(key)), "got %q", fe.PhysicalKey)
		got, err := os.Open(fe.PhysicalKey)
		Ck(err)
		expect, err := os.Open(filepath.Join(dir, filepath.FromSlash(key)))
		Ck(err)
		ok, err := readercomp.Equal(expect, got, 4096)
		got.Close()
		expect.Close()
		tassert(t, err == nil, "readercomp.Equal: %v", err)
		tassert(t, ok, "%s differs", key)
	}
}

func TestRegistryHistory(t *testing.T) {
	dir := setup(t, "a.txt", "b.txt")
	r := mkregistry(t)
	ctx := context.Background()

	pkg := NewPackage()
	Ck(pkg.Set("a.txt", filepath.Join(dir, "a.txt"), nil))
	first, err := r.Push(ctx, pkg, "p", "one")
	tassert(t, err == nil, "%v", err)

	// push the browsed package plus one new file; a.txt is reused by
	// address
	browsed, err := r.Browse("p", "")
	Ck(err)
	Ck(browsed.Set("b.txt", filepath.Join(dir, "b.txt"), nil))
	second, err := r.Push(ctx, browsed, "p", "two")
	tassert(t, err == nil, "%v", err)
	tassert(t, first != second, "same top hash")

	revs, err := r.History("p")
	tassert(t, err == nil, "%v", err)
	tassert(t, len(revs) == 2, "got %d revisions", len(revs))
	tassert(t, revs[0].TopHash == second && revs[0].Message == "two", "got %+v", revs[0])
	tassert(t, revs[1].TopHash == first && revs[1].Parent == "", "got %+v", revs[1])
	tassert(t, revs[0].Parent == first, "parent %q", revs[0].Parent)

	old, err := r.Browse("p", first)
	tassert(t, err == nil, "%v", err)
	tassert(t, old.Len() == 1, "len %d", old.Len())
	cur, err := r.Browse("p", "")
	tassert(t, err == nil, "%v", err)
	tassert(t, cur.Len() == 2, "len %d", cur.Len())

	_, err = r.Browse("other", first)
	tassert(t, errors.Is(err, ErrPackageNotFound), "got %v", err)
}

func TestRegistryNotFound(t *testing.T) {
	r := mkregistry(t)
	_, err := r.Browse("nope", "")
	tassert(t, errors.Is(err, ErrPackageNotFound), "got %v", err)
	_, err = r.History("nope")
	tassert(t, errors.Is(err, ErrPackageNotFound), "got %v", err)
	_, err = r.Browse("nope", "sha256/0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	tassert(t, errors.Is(err, ErrPackageNotFound), "got %v", err)
}

func TestRegistryNames(t *testing.T) {
	dir := setup(t, "a.txt")
	r := mkregistry(t)
	pkg := NewPackage()
	Ck(pkg.Set("a.txt", filepath.Join(dir, "a.txt"), nil))
	for _, name := range []string{"z/one", "a/two", "a/three"} {
		_, err := r.Push(context.Background(), pkg, name, "")
		Ck(err)
	}
	names, err := r.Names()
	tassert(t, err == nil, "%v", err)
	tassert(t, reflect.DeepEqual(names, []string{"a/three", "a/two", "z/one"}), "got %v", names)

	// reopening finds the same store
	r2, err := OpenRegistry(r.Db.Dir)
	tassert(t, err == nil, "%v", err)
	names, err = r2.Names()
	tassert(t, err == nil && len(names) == 3, "got %v %v", names, err)
}

func TestPushCanceled(t *testing.T) {
	dir := setup(t, "a.txt")
	r := mkregistry(t)
	pkg := NewPackage()
	Ck(pkg.Set("a.txt", filepath.Join(dir, "a.txt"), nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Push(ctx, pkg, "p", "")
	tassert(t, errors.Is(err, context.Canceled), "got %v", err)
	names, _ := r.Names()
	tassert(t, len(names) == 0, "got %v", names)
}

func TestPushMissingFile(t *testing.T) {
	r := mkregistry(t)
	pkg := NewPackage()
	Ck(pkg.Set("gone.txt", filepath.Join(t.TempDir(), "gone.txt"), nil))
	_, err := r.Push(context.Background(), pkg, "p", "")
	tassert(t, os.IsNotExist(errors.Cause(err)), "got %v", err)
}

func TestRegistryMetadataNumbers(t *testing.T) {
	dir := setup(t, "a.txt")
	r := mkregistry(t)
	ctx := context.Background()

	meta := map[string]interface{}{
		"CellID": int64(9007199254740993),
		"scale":  0.25,
		"assoc":  map[string]interface{}{"ids": []interface{}{int64(3), int64(4)}},
	}
	pkg := NewPackage()
	Ck(pkg.Set("a.txt", filepath.Join(dir, "a.txt"), meta))
	_, err := r.Push(ctx, pkg, "p", "one")
	Ck(err)

	// browse and push again, as a step push does with the project
	// package, then check nothing drifted
	for i := 0; i < 2; i++ {
		browsed, err := r.Browse("p", "")
		Ck(err)
		e, err := browsed.Get("a.txt")
		Ck(err)
		tassert(t, e.Meta["CellID"] == int64(9007199254740993), "round %d: got %#v", i, e.Meta["CellID"])
		tassert(t, e.Meta["scale"] == 0.25, "round %d: got %#v", i, e.Meta["scale"])
		tassert(t, reflect.DeepEqual(e.Meta["assoc"], meta["assoc"]), "round %d: got %#v", i, e.Meta["assoc"])
		_, err = r.Push(ctx, browsed, "p", "again")
		Ck(err)
	}
}

func TestRegistryVerify(t *testing.T) {
	dir := setup(t, "a.txt", "b.txt")
	r := mkregistry(t)
	ctx := context.Background()

	pkg := NewPackage()
	Ck(pkg.Set("a.txt", filepath.Join(dir, "a.txt"), nil))
	Ck(pkg.Set("b.txt", filepath.Join(dir, "b.txt"), nil))
	_, err := r.Push(ctx, pkg, "p", "one")
	Ck(err)

	corrupt, err := r.Verify(ctx, "p", "")
	tassert(t, err == nil, "%v", err)
	tassert(t, len(corrupt) == 0, "corrupt %v", corrupt)

	// damage the stored content of b.txt
	e, err := pkg.Get("b.txt")
	Ck(err)
	p, err := r.Db.AddrPath(e.Addr)
	Ck(err)
	tree, err := r.Db.GetTree(p)
	Ck(err)
	leaves, err := tree.Leaves()
	Ck(err)
	tassert(t, len(leaves) == 1, "leaves %d", len(leaves))
	Ck(os.WriteFile(leaves[0].GetPath().Abs, []byte("block\ntampered"), 0644))

	corrupt, err = r.Verify(ctx, "p", "")
	tassert(t, err == nil, "%v", err)
	tassert(t, reflect.DeepEqual(corrupt, []string{"b.txt"}), "corrupt %v", corrupt)

	browsed, err := r.Browse("p", "")
	Ck(err)
	_, err = r.Fetch(ctx, browsed, t.TempDir())
	tassert(t, errors.Is(err, ErrCorrupt), "expected ErrCorrupt, got %v", err)

	_, err = r.Verify(ctx, "nope", "")
	tassert(t, errors.Is(err, ErrPackageNotFound), "got %v", err)
}
