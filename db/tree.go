package db

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Tree is a vertex in a Merkle tree. Entries point at leaves or other nodes.
type Tree struct {
	Db *Db
	*WORM
	_entries    []Object
	_leaves     []Object
	currentLeaf int
	pos         int64
}

func (tree Tree) New(db *Db, file *WORM) *Tree {
	tree.Db = db
	tree.WORM = file
	return &tree
}

func (tree *Tree) GetPath() *Path {
	return tree.Path
}

// Entries returns the tree's direct children.
func (tree *Tree) Entries() (entries []Object, err error) {
	if tree._entries == nil {
		err = tree.loadEntries()
	}
	return tree._entries, err
}

func (tree *Tree) Leaves() (leaves []Object, err error) {
	defer Return(&err)
	if tree._leaves == nil {
		tree._leaves, err = tree.traverse(false)
		Ck(err)
	}
	return tree._leaves, nil
}

// LinkStream makes a symlink named label pointing at tree, and returns
// the resulting stream object.  An existing label is replaced
// atomically.
func (tree *Tree) LinkStream(label string) (stream *Stream, err error) {
	defer Return(&err)

	linkpath, err := Path{}.New(tree.Db, "stream/"+label)
	Ck(err)
	dir := filepath.Dir(linkpath.Abs)
	err = mkdir(dir)
	Ck(err)
	src, err := filepath.Rel(dir, tree.Path.Abs)
	Ck(err)
	log.Debugf("LinkStream %s -> %s", linkpath.Abs, src)
	err = renameio.Symlink(src, linkpath.Abs)
	Ck(err)
	return Stream{}.New(tree.Db, label, tree)
}

func (tree *Tree) loadEntries() (err error) {
	defer Return(&err)

	Assert(tree.WORM != nil)
	Assert(tree.WORM.Path != nil)
	file := tree.WORM
	err = file.Rewind()
	Ck(err)

	entries := []Object{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		path, err := Path{}.New(tree.Db, line)
		Ck(err)
		entry, err := tree.Db.ObjectFromPath(path)
		Ck(err)
		entries = append(entries, entry)
	}
	err = scanner.Err()
	Ck(err, "%q", file.Path.Abs)
	file.Close()

	tree._entries = entries
	return
}

// Read fills buf with the next chunk of data from tree's leaf nodes.
func (tree *Tree) Read(buf []byte) (n int, err error) {
	defer Return(&err)

	leaves, err := tree.Leaves()
	Ck(err)

	for {
		if tree.currentLeaf >= len(leaves) {
			return 0, io.EOF
		}
		obj := leaves[tree.currentLeaf]
		n, err = obj.Read(buf)
		if errors.Cause(err) == io.EOF {
			// read-only, so no err check
			obj.Close()
			tree.currentLeaf++
			if n == 0 {
				continue
			}
			err = nil
		}
		Ck(err)
		tree.pos += int64(n)
		return
	}
}

// Rewind resets the read position to the start of the tree.
func (tree *Tree) Rewind() error {
	for _, leaf := range tree._leaves {
		leaf.Close()
	}
	tree._leaves = nil
	tree.currentLeaf = 0
	tree.pos = 0
	return nil
}

// Seek sets the offset for the next Read on tree to offset,
// interpreted according to whence.
func (tree *Tree) Seek(offset int64, whence int) (newOffset int64, err error) {
	defer Return(&err)

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = tree.pos + offset
	case io.SeekEnd:
		size, err := tree.Size()
		Ck(err)
		pos = size + offset
	default:
		Assert(false)
	}
	Assert(pos >= 0, "seek before start: %d", pos)

	err = tree.Rewind()
	Ck(err)
	leaves, err := tree.Leaves()
	Ck(err)

	var total int64
	tree.currentLeaf = len(leaves)
	for i, leaf := range leaves {
		size, err := leaf.Size()
		Ck(err)
		if total+size > pos {
			_, err = leaf.Seek(pos-total, io.SeekStart)
			Ck(err)
			tree.currentLeaf = i
			break
		}
		total += size
	}
	tree.pos = pos
	return pos, nil
}

// Size is the sum of the sizes of the tree's leaves.
func (tree *Tree) Size() (total int64, err error) {
	defer Return(&err)
	leaves, err := tree.Leaves()
	Ck(err)
	for _, leaf := range leaves {
		size, err := leaf.Size()
		Ck(err)
		total += size
	}
	return
}

// Tell returns the current read position in the tree.
func (tree *Tree) Tell() (n int64, err error) {
	return tree.pos, nil
}

// Txt returns the concatenated tree entry canpaths.
func (tree *Tree) Txt() (out string) {
	entries, err := tree.Entries()
	Ck(err)
	for _, entry := range entries {
		out += entry.GetPath().Canon + "\n"
	}
	return
}

// Verify rehashes every node under tree and compares each hash
// with the node's address.
func (tree *Tree) Verify() (ok bool, err error) {
	defer Return(&err)
	objects, err := tree.traverse(true)
	Ck(err)
	for _, obj := range objects {
		path := obj.GetPath()
		content, err := os.ReadFile(path.Abs)
		Ck(err)
		binhash, err := Hash(path.Algo, content)
		Ck(err)
		hex := bin2hex(binhash)
		if hex != path.Hash {
			return false, fmt.Errorf("%s: expected %s, calculated %s", path.Canon, path.Hash, hex)
		}
	}
	return true, nil
}

// traverse recurses down the tree returning leaves or optionally all nodes.
func (tree *Tree) traverse(all bool) (objects []Object, err error) {
	defer Return(&err)

	if all {
		objects = append(objects, tree)
	}

	entries, err := tree.Entries()
	Ck(err)
	for _, obj := range entries {
		switch child := obj.(type) {
		case *Tree:
			childobjs, err := child.traverse(all)
			Ck(err)
			objects = append(objects, childobjs...)
		case *Block:
			// leaves get their own handles so Rewind can close them
			file, err := OpenWorm(tree.Db, child.Path)
			Ck(err)
			objects = append(objects, Block{}.New(tree.Db, file))
		default:
			panic(fmt.Sprintf("unhandled type %T", child))
		}
	}
	return
}
