package db

import (
	"fmt"
	"path/filepath"
	"strings"
	"syscall"

	. "github.com/stevegt/goadapt"
)

type Path struct {
	Db    *Db
	Raw   string
	Abs   string // absolute
	Rel   string // relative
	Canon string // canonical
	Class string
	Algo  string
	Hash  string
	Addr  string
	Label string // stream label
}

// New parses raw, which may be an abspath, relpath, or canpath.
func (path Path) New(db *Db, raw string) (res *Path, err error) {
	defer Return(&err)

	path.Db = db
	path.Raw = raw

	clean := filepath.ToSlash(filepath.Clean(raw))
	clean = strings.TrimPrefix(clean, filepath.ToSlash(db.Dir)+"/")

	parts := strings.Split(clean, "/")
	ErrnoIf(len(parts) < 2, syscall.EINVAL, "malformed path: %s", raw)

	path.Class = parts[0]
	switch path.Class {
	case "stream":
		path.Label = strings.Join(parts[1:], "/")
		path.Rel = filepath.Join(path.Class, filepath.FromSlash(path.Label))
		path.Abs = filepath.Join(db.Dir, path.Rel)
		path.Canon = path.Class + "/" + path.Label
	case "block", "tree":
		ErrnoIf(len(parts) < 3, syscall.EINVAL, "malformed path: %s", raw)
		path.Algo = parts[1]
		// the last part is always the full hash, whether we were
		// given the full or canonical path
		path.Hash = parts[len(parts)-1]
		ErrnoIf(len(path.Hash) < 3*db.Depth, syscall.EINVAL, "short hash: %s", raw)

		var subpath string
		for i := 0; i < db.Depth; i++ {
			subpath = filepath.Join(subpath, path.Hash[3*i:3*i+3])
		}
		path.Rel = filepath.Join(path.Class, path.Algo, subpath, path.Hash)
		path.Abs = filepath.Join(db.Dir, path.Rel)
		path.Canon = strings.Join([]string{path.Class, path.Algo, path.Hash}, "/")
		path.Addr = path.Algo + "/" + path.Hash
	default:
		ErrnoIf(true, syscall.EINVAL, "unknown class %q: %s", path.Class, raw)
	}

	return &path, nil
}

// AddrPath returns the tree path for a user-visible address.
func (db *Db) AddrPath(addr string) (*Path, error) {
	return Path{}.New(db, "tree/"+strings.TrimPrefix(addr, "tree/"))
}

func (path *Path) header() string {
	return fmt.Sprintf("%s\n", path.Class)
}
