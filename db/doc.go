/*

Package db is the content-addressable deduplicating store that
datastep registries are built on.  It stores data streams of
arbitrary size as Merkle trees of content-defined chunks.

Vocabulary:

- abspath: absolute path on disk, including subdirs
- relpath: path relative to db.Dir, including subdirs
- canpath: canonical path; relpath without subdirs
- hash: cryptographic hash of a block or tree
- algo: name (string) describing hash algorithm
- subdir: three-character hexadecimal segment of hash
- subdirs: one or more subdir segments inserted in abspath or relpath
	in order to keep directory sizes small; the number of subdirs is fixed
	at database creation
- block: chunk of data; deduplication atom; stored as file
- tree: list of zero or more blocks or trees; stored as file
	containing block or tree canpaths, one per line
- rootnode: the top-level tree for a stream
- stream: ordered set of zero or more blocks; stored as a symlink
  pointing at rootnode relpath
- label: human-readable name of a stream; may contain slashes;
  stored as the path of the symlink under stream/
- object: block or tree
- address: algo/hash of a tree; canpath without leading "tree/"

*/

package db
