package db

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Db is a content-addressed object store. Dir is the base directory.
// Depth is the number of subdirectory levels in the block and tree
// dirs.  We use three-character hexadecimal names for the
// subdirectories, giving us a maximum of 4096 subdirs in a parent dir.
type Db struct {
	Dir     string          // base of tree
	Depth   int             // number of subdir levels in block and tree dirs
	Poly    resticRabin.Pol // rabin polynomial for chunking
	MinSize uint            // minimum chunk size
	MaxSize uint            // maximum chunk size
}

type NotDbError struct {
	Dir string
}

func (e *NotDbError) Error() string {
	return fmt.Sprintf("not a database: %s", e.Dir)
}

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

// Open loads an existing db object from dir.
func Open(dir string) (db *Db, err error) {
	dir, err = realdir(dir)
	if err != nil {
		return
	}

	buf, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, &NotDbError{Dir: dir}
	}
	db = &Db{}
	err = json.Unmarshal(buf, db)
	if err != nil {
		return nil, errors.Wrapf(err, "%s/config.json", dir)
	}
	// the directory may have moved since creation
	db.Dir = dir
	return
}

// CreateOrOpen opens the db in dir, creating it first if dir is
// missing or empty.
func CreateOrOpen(dir string) (db *Db, err error) {
	db, err = Open(dir)
	if err == nil {
		return
	}
	if _, ok := err.(*NotDbError); !ok && canstat(dir) {
		return
	}
	return Db{Dir: dir}.Create()
}

// Create initializes a db directory and its contents.
func (db Db) Create() (out *Db, err error) {
	defer Return(&err)

	dir := db.Dir
	Assert(dir != "", "empty db dir")

	// if directory exists, make sure it's empty
	if canstat(dir) {
		var files []os.DirEntry
		files, err = os.ReadDir(dir)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: dir}
		}
	}

	if db.Depth < 1 {
		db.Depth = 2
	}

	err = mkdir(dir)
	Ck(err)
	db.Dir, err = realdir(dir)
	Ck(err)

	// hashed chunks of stream data
	err = mkdir(filepath.Join(db.Dir, "block"))
	Ck(err)

	// labels are symlinks to tree roots
	err = mkdir(filepath.Join(db.Dir, "stream"))
	Ck(err)

	// merkle tree nodes
	err = mkdir(filepath.Join(db.Dir, "tree"))
	Ck(err)

	if db.Poly == 0 {
		db.Poly, err = resticRabin.RandomPolynomial()
		Ck(err)
	}

	buf, err := json.Marshal(db)
	Ck(err)
	err = os.WriteFile(filepath.Join(db.Dir, "config.json"), buf, 0644)
	Ck(err)

	return &db, nil
}

func (db *Db) tmpFile() (fh *os.File, err error) {
	return os.CreateTemp(db.Dir, "*")
}

// ObjectFromPath opens the block or tree at path.
func (db *Db) ObjectFromPath(path *Path) (obj Object, err error) {
	defer Return(&err)

	switch path.Class {
	case "block":
		file, err := OpenWorm(db, path)
		Ck(err)
		return Block{}.New(db, file), nil
	case "tree":
		file, err := OpenWorm(db, path)
		Ck(err)
		return Tree{}.New(db, file), nil
	default:
		Assert(false, "unhandled class %s", path.Class)
	}
	return
}

// PutBlock hashes the block, stores the block in a file named after the hash,
// and returns the block object.
func (db *Db) PutBlock(algo string, buf []byte) (b *Block, err error) {
	defer Return(&err)

	Assert(db != nil, "db is nil")

	file, err := CreateWorm(db, "block", algo)
	Ck(err)
	b = Block{}.New(db, file)

	n, err := b.Write(buf)
	Ck(err)
	Assert(n == len(buf), "short write")
	err = b.Close()
	Ck(err)

	return
}

// PutTree takes zero or more child nodes, stores their canpaths in a
// file under tree/, and returns a pointer to a Tree object.
func (db *Db) PutTree(algo string, children ...Object) (tree *Tree, err error) {
	defer Return(&err)

	Assert(db != nil, "db is nil")

	file, err := CreateWorm(db, "tree", algo)
	Ck(err)
	tree = Tree{}.New(db, file)

	// this is a write of a new tree, so we can't call loadEntries()
	tree._entries = append([]Object{}, children...)

	buf := []byte(tree.Txt())
	n, err := tree.Write(buf)
	Ck(err)
	Assert(n == len(buf), "short write")
	err = tree.Close()
	Ck(err)

	return
}

// GetTree takes a tree path and returns a Tree struct.
func (db *Db) GetTree(path *Path) (tree *Tree, err error) {
	defer Return(&err)

	ErrnoIf(path.Class != "tree", syscall.EINVAL, "not a tree: %s", path.Canon)

	file, err := OpenWorm(db, path)
	Ck(err)

	tree = Tree{}.New(db, file)
	err = tree.loadEntries()
	Ck(err)

	return
}

// PutStream reads rd through the chunker, stores each chunk as a
// block, and returns a tree with those blocks as its leaves.  An
// empty reader produces an empty tree.
func (db *Db) PutStream(algo string, rd io.Reader) (rootnode *Tree, err error) {
	chunker, err := rabin{Poly: db.Poly, MinSize: db.MinSize, MaxSize: db.MaxSize}.Init()
	if err != nil {
		return
	}
	chunker.Start(rd)

	buf := make([]byte, chunker.MaxSize)
	var blocks []Object
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		block, err := db.PutBlock(algo, chunk.Data)
		if err != nil {
			return nil, err
		}
		log.Debugf("PutStream block %s len %d", block.Path.Canon, chunk.Length)
		blocks = append(blocks, block)
	}

	return db.PutTree(algo, blocks...)
}

// OpenStream returns an existing Stream object given a label.
func (db *Db) OpenStream(label string) (stream *Stream, err error) {
	defer Return(&err)

	linkpath, err := Path{}.New(db, filepath.Join("stream", label))
	Ck(err)
	treeabspath, err := filepath.EvalSymlinks(linkpath.Abs)
	if err != nil {
		return
	}
	treepath, err := Path{}.New(db, treeabspath)
	Ck(err)
	rootnode, err := db.GetTree(treepath)
	Ck(err)
	return Stream{}.New(db, label, rootnode)
}

// HasStream returns true if a stream symlink exists for label.
func (db *Db) HasStream(label string) bool {
	_, err := os.Lstat(filepath.Join(db.Dir, "stream", filepath.FromSlash(label)))
	return err == nil
}

// Labels returns every stream label under prefix, sorted.
func (db *Db) Labels(prefix string) (labels []string, err error) {
	base := filepath.Join(db.Dir, "stream")
	start := filepath.Join(base, filepath.FromSlash(prefix))
	if !canstat(start) {
		return
	}
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		labels = append(labels, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(labels)
	return
}

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func mkdir(dir string) (err error) {
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
	}
	return
}

// realdir returns the absolute, symlink-free form of dir.
func realdir(dir string) (out string, err error) {
	out, err = filepath.Abs(dir)
	if err != nil {
		return
	}
	return filepath.EvalSymlinks(out)
}
