package db

import (
	"io"

	resticRabin "github.com/restic/chunker"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// defMinSize is the default minimal size of a chunk.
	defMinSize = 512 * kiB
	// defMaxSize is the default maximal size of a chunk.
	defMaxSize = 8 * miB
)

// rabin lightly wraps restic's content-defined chunker.
type rabin struct {
	Poly    resticRabin.Pol
	C       *resticRabin.Chunker
	MinSize uint
	MaxSize uint
}

func (c rabin) Init() (res *rabin, err error) {
	if c.MinSize == 0 {
		c.MinSize = defMinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = defMaxSize
	}
	if c.Poly == 0 {
		c.Poly, err = resticRabin.RandomPolynomial()
	}
	return &c, err
}

func (c *rabin) Start(rd io.Reader) {
	c.C = resticRabin.NewWithBoundaries(rd, c.Poly, c.MinSize, c.MaxSize)
}

// Next returns the next chunk from the reader given to Start.  The
// chunk's Data aliases buf, so callers must be done with it before
// the next call.  Returns io.EOF after the last chunk.
func (c *rabin) Next(buf []byte) (chunk resticRabin.Chunk, err error) {
	return c.C.Next(buf)
}
