// Package datapkg builds hierarchical data packages from validated
// manifests and publishes them to a content-addressed registry.
package datapkg

import (
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrKeyNotFound = errors.New("logical key not found")
	ErrKeyConflict = errors.New("logical key conflicts with an existing entry")
)

// Entry is one file in a package.  PhysicalKey is where the bytes
// live on local disk; Addr is set once the bytes are in a registry.
type Entry struct {
	PhysicalKey string
	Addr        string
	Size        int64
	Meta        map[string]interface{}
}

// Package maps slash-separated logical keys to entries.  Each path
// component except the last names a nested package.
type Package struct {
	entries map[string]*Entry
	dirs    map[string]*Package
}

func NewPackage() *Package {
	return &Package{
		entries: make(map[string]*Entry),
		dirs:    make(map[string]*Package),
	}
}

// splitKey cleans key and returns its components.  The root is the
// empty list.
func splitKey(key string) []string {
	key = path.Clean("/" + filepath.ToSlash(key))
	key = strings.Trim(key, "/")
	if key == "" {
		return nil
	}
	return strings.Split(key, "/")
}

// walkTo returns the package holding the last component of parts,
// creating intermediate packages if mk is set.
func (p *Package) walkTo(parts []string, mk bool) (*Package, error) {
	cur := p
	for _, name := range parts {
		if _, ok := cur.entries[name]; ok {
			return nil, errors.Wrap(ErrKeyConflict, name)
		}
		next, ok := cur.dirs[name]
		if !ok {
			if !mk {
				return nil, ErrKeyNotFound
			}
			next = NewPackage()
			cur.dirs[name] = next
		}
		cur = next
	}
	return cur, nil
}

// SetEntry puts e at key, replacing any entry already there.
func (p *Package) SetEntry(key string, e *Entry) (err error) {
	parts := splitKey(key)
	if len(parts) == 0 {
		return errors.Wrap(ErrKeyConflict, "empty key")
	}
	parent, err := p.walkTo(parts[:len(parts)-1], true)
	if err != nil {
		return errors.Wrap(err, key)
	}
	name := parts[len(parts)-1]
	if _, ok := parent.dirs[name]; ok {
		return errors.Wrapf(ErrKeyConflict, "%s is a package", key)
	}
	if e.Meta == nil {
		e.Meta = make(map[string]interface{})
	}
	parent.entries[name] = e
	return nil
}

// Set puts the local file at physicalKey into the package at key.
func (p *Package) Set(key, physicalKey string, meta map[string]interface{}) error {
	return p.SetEntry(key, &Entry{PhysicalKey: physicalKey, Meta: meta})
}

// SetDir adds every regular file under dir, keyed by its path
// relative to dir and prefixed with key.  An empty key or "." adds
// to the root.
func (p *Package) SetDir(key, dir string) error {
	prefix := strings.Join(splitKey(key), "/")
	return filepath.WalkDir(dir, func(fn string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, fn)
		if err != nil {
			return err
		}
		lk := path.Join(prefix, filepath.ToSlash(rel))
		return p.Set(lk, fn, nil)
	})
}

// Get returns the entry at key.
func (p *Package) Get(key string) (*Entry, error) {
	parts := splitKey(key)
	if len(parts) == 0 {
		return nil, errors.Wrap(ErrKeyNotFound, "empty key")
	}
	parent, err := p.walkTo(parts[:len(parts)-1], false)
	if err != nil {
		return nil, errors.Wrap(ErrKeyNotFound, key)
	}
	e, ok := parent.entries[parts[len(parts)-1]]
	if !ok {
		return nil, errors.Wrap(ErrKeyNotFound, key)
	}
	return e, nil
}

// Subpackage returns the nested package at key.  The root key
// returns p.
func (p *Package) Subpackage(key string) (*Package, error) {
	sub, err := p.walkTo(splitKey(key), false)
	if err != nil {
		return nil, errors.Wrap(ErrKeyNotFound, key)
	}
	return sub, nil
}

// Contains reports whether key names an entry or a nested package.
func (p *Package) Contains(key string) bool {
	if _, err := p.Get(key); err == nil {
		return true
	}
	_, err := p.Subpackage(key)
	return err == nil && len(splitKey(key)) > 0
}

// SetMeta replaces the metadata of the entry at key.
func (p *Package) SetMeta(key string, meta map[string]interface{}) error {
	e, err := p.Get(key)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = make(map[string]interface{})
	}
	e.Meta = meta
	return nil
}

// Delete removes the entry or nested package at key.
func (p *Package) Delete(key string) error {
	parts := splitKey(key)
	if len(parts) == 0 {
		return errors.Wrap(ErrKeyNotFound, "empty key")
	}
	parent, err := p.walkTo(parts[:len(parts)-1], false)
	if err != nil {
		return errors.Wrap(ErrKeyNotFound, key)
	}
	name := parts[len(parts)-1]
	if _, ok := parent.entries[name]; ok {
		delete(parent.entries, name)
		return nil
	}
	if _, ok := parent.dirs[name]; ok {
		delete(parent.dirs, name)
		return nil
	}
	return errors.Wrap(ErrKeyNotFound, key)
}

// Walk calls fn for every entry, depth first, with siblings in
// lexical order.  A non-nil error from fn stops the walk.
func (p *Package) Walk(fn func(key string, e *Entry) error) error {
	return p.walk("", fn)
}

func (p *Package) walk(prefix string, fn func(key string, e *Entry) error) (err error) {
	names := make([]string, 0, len(p.entries)+len(p.dirs))
	for name := range p.entries {
		names = append(names, name)
	}
	for name := range p.dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := path.Join(prefix, name)
		if e, ok := p.entries[name]; ok {
			err = fn(key, e)
		} else {
			err = p.dirs[name].walk(key, fn)
		}
		if err != nil {
			return
		}
	}
	return
}

// Keys returns every entry key in Walk order.
func (p *Package) Keys() (keys []string) {
	p.Walk(func(key string, e *Entry) error {
		keys = append(keys, key)
		return nil
	})
	return
}

// Len returns the number of entries, counting nested packages.
func (p *Package) Len() (n int) {
	n = len(p.entries)
	for _, sub := range p.dirs {
		n += sub.Len()
	}
	return
}
