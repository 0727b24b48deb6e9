package db

// Object is a block or tree.
type Object interface {
	GetPath() *Path
	Read(buf []byte) (n int, err error)
	Seek(n int64, whence int) (nout int64, err error)
	Size() (n int64, err error)
	Close() error
}
