package db

import (
	. "github.com/stevegt/goadapt"
)

// Stream is a labeled, ordered set of bytes of arbitrary length.  It
// reads like a file from the perspective of a caller.
type Stream struct {
	Db       *Db
	RootNode *Tree
	Label    string
	Path     *Path
}

func (stream Stream) New(db *Db, label string, rootnode *Tree) (out *Stream, err error) {
	defer Return(&err)
	stream.Db = db
	stream.Label = label
	stream.RootNode = rootnode
	stream.Path, err = Path{}.New(db, "stream/"+label)
	Ck(err)
	return &stream, nil
}

// Read reads the stream's content, starting where the last Read
// stopped.
func (stream *Stream) Read(buf []byte) (n int, err error) {
	return stream.RootNode.Read(buf)
}
