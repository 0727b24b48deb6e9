package datapkg

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"

	"github.com/t7a/datastep/db"
)

const (
	algo        = "sha256"
	labelPrefix = "pkg"
)

var (
	ErrPackageNotFound = errors.New("package not found")
	ErrCorrupt         = errors.New("content does not match its address")
)

// Registry stores package revisions in a content-addressed db.  File
// contents are chunked streams; each revision is a msgpack record
// stored the same way, and a package name is a stream label pointing
// at its latest revision.
type Registry struct {
	Db *db.Db
}

// Revision is one pushed state of a named package.
type Revision struct {
	Name    string   `msgpack:"name"`
	Message string   `msgpack:"message"`
	Parent  string   `msgpack:"parent"`
	Created int64    `msgpack:"created"`
	Entries []record `msgpack:"entries"`

	// TopHash is the address of the record itself.
	TopHash string `msgpack:"-"`
}

type record struct {
	Key  string `msgpack:"key"`
	Addr string `msgpack:"addr"`
	Size int64  `msgpack:"size"`
	Meta []byte `msgpack:"meta"`
}

// OpenRegistry opens the registry in dir, creating it if needed.
func OpenRegistry(dir string) (r *Registry, err error) {
	d, err := db.CreateOrOpen(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open registry %s", dir)
	}
	return &Registry{Db: d}, nil
}

func nameLabel(name string) string {
	return labelPrefix + "/" + strings.Trim(name, "/")
}

// Push stores every entry of pkg and records a new revision of name.
// Entries that carry an address and no local file, as returned by
// Browse, are recorded without copying any bytes.  Push sets Addr and
// Size on each stored entry and returns the new revision's address.
func (r *Registry) Push(ctx context.Context, pkg *Package, name, message string) (topHash string, err error) {
	rev := Revision{Name: name, Message: message, Created: time.Now().UnixNano()}
	if prev, err := r.latest(name); err == nil {
		rev.Parent = prev.TopHash
	}

	err = pkg.Walk(func(key string, e *Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.PhysicalKey != "" {
			addr, size, err := r.putFile(e.PhysicalKey)
			if err != nil {
				return errors.Wrap(err, key)
			}
			e.Addr, e.Size = addr, size
		}
		if e.Addr == "" {
			return errors.Errorf("%s: entry has neither a local file nor an address", key)
		}
		meta, err := json.Marshal(e.Meta)
		if err != nil {
			return errors.Wrapf(err, "%s: metadata", key)
		}
		rev.Entries = append(rev.Entries, record{Key: key, Addr: e.Addr, Size: e.Size, Meta: meta})
		return nil
	})
	if err != nil {
		return
	}

	buf, err := msgpack.Marshal(&rev)
	if err != nil {
		return
	}
	tree, err := r.Db.PutStream(algo, bytes.NewReader(buf))
	if err != nil {
		return
	}
	_, err = tree.LinkStream(nameLabel(name))
	if err != nil {
		return
	}
	log.Debugf("pushed %s with %d entries as %s", name, len(rev.Entries), tree.Path.Addr)
	return tree.Path.Addr, nil
}

func (r *Registry) putFile(fn string) (addr string, size int64, err error) {
	fh, err := os.Open(fn)
	if err != nil {
		return
	}
	defer fh.Close()
	tree, err := r.Db.PutStream(algo, fh)
	if err != nil {
		return
	}
	size, err = tree.Size()
	return tree.Path.Addr, size, err
}

// Revision loads the revision record at topHash.
func (r *Registry) Revision(topHash string) (rev *Revision, err error) {
	p, err := r.Db.AddrPath(topHash)
	if err != nil {
		return
	}
	tree, err := r.Db.GetTree(p)
	if err != nil {
		return nil, errors.Wrap(ErrPackageNotFound, topHash)
	}
	return decodeRevision(tree, p.Addr)
}

func (r *Registry) latest(name string) (rev *Revision, err error) {
	label := nameLabel(name)
	if !r.Db.HasStream(label) {
		return nil, errors.Wrap(ErrPackageNotFound, name)
	}
	stream, err := r.Db.OpenStream(label)
	if err != nil {
		return
	}
	return decodeRevision(stream, stream.RootNode.Path.Addr)
}

func decodeRevision(rd io.Reader, topHash string) (rev *Revision, err error) {
	buf, err := io.ReadAll(rd)
	if err != nil {
		return
	}
	rev = &Revision{}
	err = msgpack.Unmarshal(buf, rev)
	if err != nil {
		return nil, errors.Wrapf(err, "decode revision %s", topHash)
	}
	rev.TopHash = topHash
	return
}

// resolve returns the named revision, or the latest one if topHash
// is empty.
func (r *Registry) resolve(name, topHash string) (rev *Revision, err error) {
	if topHash == "" {
		return r.latest(name)
	}
	rev, err = r.Revision(topHash)
	if err == nil && rev.Name != name {
		err = errors.Wrapf(ErrPackageNotFound, "%s has no revision %s", name, topHash)
	}
	return
}

// decodeMeta keeps integers as int64 so metadata survives any number
// of browse and push cycles unchanged.
func decodeMeta(buf []byte) (meta map[string]interface{}, err error) {
	meta = make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	err = dec.Decode(&meta)
	if err != nil {
		return
	}
	for k, v := range meta {
		meta[k] = numbers(v)
	}
	return
}

func numbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		return unwrapScalar(x)
	case []interface{}:
		for i := range x {
			x[i] = numbers(x[i])
		}
	case map[string]interface{}:
		for k := range x {
			x[k] = numbers(x[k])
		}
	}
	return v
}

// Browse returns the package recorded by the named revision, or by
// the latest revision if topHash is empty.  Entries carry addresses
// and no local files.
func (r *Registry) Browse(name, topHash string) (pkg *Package, err error) {
	rev, err := r.resolve(name, topHash)
	if err != nil {
		return
	}
	pkg = NewPackage()
	for _, rec := range rev.Entries {
		meta, err := decodeMeta(rec.Meta)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: metadata", rec.Key)
		}
		err = pkg.SetEntry(rec.Key, &Entry{Addr: rec.Addr, Size: rec.Size, Meta: meta})
		if err != nil {
			return nil, err
		}
	}
	return
}

// Fetch writes every entry of pkg under dest and returns a copy of
// pkg whose entries point at the written files.
func (r *Registry) Fetch(ctx context.Context, pkg *Package, dest string) (out *Package, err error) {
	out = NewPackage()
	err = pkg.Walk(func(key string, e *Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn := filepath.Join(dest, filepath.FromSlash(key))
		err := r.fetchFile(e, fn)
		if err != nil {
			return errors.Wrap(err, key)
		}
		meta := make(map[string]interface{}, len(e.Meta))
		for k, v := range e.Meta {
			meta[k] = v
		}
		return out.SetEntry(key, &Entry{PhysicalKey: fn, Addr: e.Addr, Size: e.Size, Meta: meta})
	})
	if err != nil {
		return nil, err
	}
	return
}

func (r *Registry) fetchFile(e *Entry, fn string) (err error) {
	err = os.MkdirAll(filepath.Dir(fn), 0755)
	if err != nil {
		return
	}
	t, err := renameio.TempFile("", fn)
	if err != nil {
		return
	}
	defer t.Cleanup()

	if e.Addr != "" {
		tree, err := r.verified(e.Addr)
		if err != nil {
			return err
		}
		_, err = io.Copy(t, tree)
		if err != nil {
			return err
		}
	} else {
		src, err := os.Open(e.PhysicalKey)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(t, src)
		if err != nil {
			return err
		}
	}
	return t.CloseAtomicallyReplace()
}

// verified opens the stream at addr after rehashing every node under
// it.
func (r *Registry) verified(addr string) (tree *db.Tree, err error) {
	p, err := r.Db.AddrPath(addr)
	if err != nil {
		return
	}
	tree, err = r.Db.GetTree(p)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", addr, err)
	}
	ok, err := tree.Verify()
	if err != nil || !ok {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", addr, err)
	}
	return
}

// Verify rehashes the named revision's record and the content of each
// of its entries.  It returns the keys whose content no longer matches
// its address; a damaged record is an error.
func (r *Registry) Verify(ctx context.Context, name, topHash string) (corrupt []string, err error) {
	rev, err := r.resolve(name, topHash)
	if err != nil {
		return
	}
	_, err = r.verified(rev.TopHash)
	if err != nil {
		return nil, errors.Wrap(err, "revision record")
	}
	for _, rec := range rev.Entries {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		_, err = r.verified(rec.Addr)
		if errors.Is(err, ErrCorrupt) {
			log.Debugf("%s: %v", rec.Key, err)
			corrupt = append(corrupt, rec.Key)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return corrupt, nil
}

// History returns the revisions of name, newest first.
func (r *Registry) History(name string) (revs []*Revision, err error) {
	rev, err := r.latest(name)
	for err == nil {
		revs = append(revs, rev)
		if rev.Parent == "" {
			return
		}
		rev, err = r.Revision(rev.Parent)
	}
	return nil, err
}

// Names returns every package name in the registry, sorted.
func (r *Registry) Names() (names []string, err error) {
	labels, err := r.Db.Labels(labelPrefix)
	if err != nil {
		return
	}
	for _, label := range labels {
		names = append(names, strings.TrimPrefix(label, labelPrefix+"/"))
	}
	return
}
