/*

Datastep moves the outputs of data pipeline steps into a versioned,
content-addressed package registry and back out again.

Vocabulary:

- step: one unit of pipeline work; writes files into its staging dir
- staging dir: local directory a step writes its outputs into
- manifest: table with one row per output; path columns hold file
  paths, metadata columns hold scalars describing them
- physical key: absolute path of a file on disk
- logical key: slash-separated path of an entry inside a package
- package: tree of logical keys, each mapped to an entry with a
  physical key or a content address plus metadata
- associates: metadata key mapping each path column of a row to the
  logical key that row produced, so the files of one row can be found
  from any of them
- registry: local content-addressed store of package revisions
- top hash: address of one package revision
- label: human-readable package name; points at its latest revision

Packages:

- manifest: manifest tables, path resolution, validation
- datapkg: packages, the manifest to package builder, and the registry
- db: the content-addressed store the registry is built on
- config: project configuration
- vcs: the git state a push is recorded against
- step: the step base type with push, checkout and pull
- scaffold: generator for new step packages

*/

package datastep
