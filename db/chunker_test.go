package db

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
)

func TestChunker(t *testing.T) {
	// polynomial was randomly generated from a call to rabin.Init()
	chunker, err := rabin{Poly: 0x25d92e975e1aa3, MinSize: 64 * kiB, MaxSize: 512 * kiB}.Init()
	tassert(t, err == nil, "%v", err)
	tassert(t, chunker.Poly > 0, "polynomial is %v", chunker.Poly)

	size := 8 * miB
	data := make([]byte, size)
	_, err = rand.New(rand.NewSource(42)).Read(data)
	tassert(t, err == nil, "%v", err)

	chunker.Start(bytes.NewReader(data))

	buf := make([]byte, chunker.MaxSize)
	var got []byte
	var n int
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		tassert(t, err == nil, "%v", err)
		tassert(t, chunk.Length <= chunker.MaxSize, "chunk too big: %d", chunk.Length)
		expect := data[chunk.Start : chunk.Start+chunk.Length]
		tassert(t, bytes.Equal(expect, chunk.Data), "chunk %d mismatch", n)
		got = append(got, chunk.Data...)
		n++
	}
	tassert(t, n > 1, "expected several chunks, got %d", n)
	tassert(t, bytes.Equal(data, got), "stream vs. reassembled chunks mismatch")
}

func TestChunkerDefaults(t *testing.T) {
	chunker, err := rabin{}.Init()
	tassert(t, err == nil, "%v", err)
	tassert(t, chunker.MinSize == defMinSize, "minsize %d", chunker.MinSize)
	tassert(t, chunker.MaxSize == defMaxSize, "maxsize %d", chunker.MaxSize)
	tassert(t, chunker.Poly != 0, "poly not generated")
}
