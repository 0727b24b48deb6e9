package db

import (
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// file modes
const (
	NEW   = 0
	READ  = 0444
	WRITE = 0644
)

// WORM is a write-once-read-many file.  New files are written to a
// temporary name and renamed to their content hash on Close.
type WORM struct {
	Db *Db
	*Path
	_mode os.FileMode
	fh    *os.File
	hash  hash.Hash
}

func CreateWorm(db *Db, class string, algo string) (file *WORM, err error) {
	defer Return(&err)
	file = &WORM{Db: db}
	// we don't call Path.New() here because there is no hash yet
	file.Path = &Path{Db: db, Class: class, Algo: algo}
	file.Mode(WRITE)
	file.hash, err = hasher(algo)
	Ck(err)
	return
}

func OpenWorm(db *Db, path *Path) (file *WORM, err error) {
	defer Return(&err)
	file = &WORM{Db: db, Path: path}
	ErrnoIf(len(file.Path.Abs) == 0, syscall.EINVAL, "empty path")
	ErrnoIf(!exists(file.Path.Abs), syscall.ENOENT, "not found: %s", file.Path.Abs)
	file.Mode(READ)
	return
}

// gets called by Read(), Write(), etc.
func (file *WORM) ckopen() (err error) {
	defer Return(&err)

	if file.fh != nil {
		return
	}
	header := file.header()
	switch file.Mode() {
	case WRITE:
		file.fh, err = file.Db.tmpFile()
		Ck(err)
		n, err := file.fh.Write([]byte(header))
		Ck(err)
		Assert(n == len(header))
		// the header is part of the hashed content so a block and a
		// tree with the same body never share an address
		n, err = file.hash.Write([]byte(header))
		Ck(err)
		Assert(n == len(header))
	case READ:
		file.fh, err = os.Open(file.Path.Abs)
		Ck(err)
		buf := make([]byte, len(header))
		n, err := io.ReadFull(file.fh, buf)
		if err != nil || n != len(header) || string(buf) != header {
			return fmt.Errorf("malformed header: %q file: %s", string(buf[:n]), file.Path.Abs)
		}
	default:
		Assert(false)
	}
	return
}

func (file *WORM) Close() (err error) {
	defer Return(&err)
	switch file.Mode() {
	case NEW, READ:
		if file.fh == nil {
			return
		}
		// readonly, so no err check needed
		file.fh.Close()
		file.fh = nil
	case WRITE:
		if file.fh == nil {
			// nothing written yet; still need the header on disk
			err = file.ckopen()
			Ck(err)
		}
		tmpname := file.fh.Name()
		err = file.fh.Close()
		Ck(err)
		file.fh = nil

		hexhash := bin2hex(file.hash.Sum(nil))
		canpath := fmt.Sprintf("%s/%s/%s", file.Path.Class, file.Path.Algo, hexhash)
		file.Path, err = Path{}.New(file.Db, canpath)
		Ck(err)

		dir, _ := filepath.Split(file.Path.Abs)
		err = os.MkdirAll(dir, 0755)
		Ck(err)

		err = os.Rename(tmpname, file.Path.Abs)
		Ck(err)

		file.Mode(READ)
		log.Debugf("WORM Close %s", file.Path.Canon)
	}
	return
}

func (file *WORM) Mode(newmode ...os.FileMode) (oldmode os.FileMode) {
	Assert(len(newmode) < 2)
	oldmode = file._mode
	if len(newmode) > 0 {
		file._mode = newmode[0]
		if file.Path.Abs != "" && exists(file.Path.Abs) {
			err := os.Chmod(file.Path.Abs, file._mode)
			Ck(err)
		}
	}
	return
}

// Read reads from the file body into buf.  Supports the io.Reader
// interface.
func (file *WORM) Read(buf []byte) (n int, err error) {
	if file.Mode() != READ {
		return 0, fmt.Errorf("cannot read from unclosed object: %s", file.Path.Class)
	}
	err = file.ckopen()
	if err != nil {
		return
	}
	return file.fh.Read(buf)
}

func (file *WORM) ReadAll() (buf []byte, err error) {
	err = file.Rewind()
	if err != nil {
		return
	}
	buf, err = io.ReadAll(file.fh)
	if errors.Cause(err) == io.EOF {
		err = nil
	}
	return
}

func (file *WORM) Rewind() error {
	_, err := file.Seek(0, io.SeekStart)
	return err
}

// Seek sets the offset for the next Read.  Offsets act as if the
// file content doesn't include the header; callers never need to
// know the header exists.  Supports the io.Seeker interface.
func (file *WORM) Seek(n int64, whence int) (nout int64, err error) {
	defer Return(&err)

	Assert(file.Mode() == READ, "seek on unclosed object")
	err = file.ckopen()
	Ck(err)

	hl := int64(len(file.header()))
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = n + hl
	case io.SeekCurrent:
		tellpos, err := file.fh.Seek(0, io.SeekCurrent)
		Ck(err)
		pos = n + tellpos
	case io.SeekEnd:
		size, err := file.Size()
		Ck(err)
		pos = size + n + hl
	default:
		Assert(false)
	}
	ErrnoIf(pos < hl, syscall.EINVAL, "seek before start: %d", pos-hl)

	nout, err = file.fh.Seek(pos, io.SeekStart)
	Ck(err)
	nout -= hl

	return
}

// Size returns the length of the file body.
func (file *WORM) Size() (n int64, err error) {
	info, err := os.Stat(file.Path.Abs)
	if err != nil {
		return
	}
	n = info.Size() - int64(len(file.header()))
	return
}

// Tell returns the current read position in the file body.
func (file *WORM) Tell() (n int64, err error) {
	return file.Seek(0, io.SeekCurrent)
}

// Write appends data to a new file.  Large objects can be written
// using multiple Write() calls.  Supports the io.Writer interface.
func (file *WORM) Write(data []byte) (n int, err error) {
	if file.Mode() != WRITE {
		err = fmt.Errorf("cannot write to existing object: %s", file.Path.Abs)
		return
	}

	err = file.ckopen()
	if err != nil {
		return
	}

	n, err = file.hash.Write(data)
	if err != nil {
		return
	}
	return file.fh.Write(data)
}
