// Package scaffold generates new step packages inside a pipeline
// repository and keeps the repository's step registry in sync.
package scaffold

import (
	"bytes"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/mod/modfile"
	"mvdan.cc/gofumpt/format"

	"github.com/t7a/datastep/manifest"
)

// LibraryPath is the import path generated steps build on.
const LibraryPath = "github.com/t7a/datastep"

const registryFile = "steps.go"

var (
	ErrStepExists       = errors.New("step already exists")
	ErrStepsDirNotFound = errors.New("could not find a 'steps' directory; run from the top of the repo")
)

// directories never searched for steps
var filters = []string{".git", ".egg", "docs", "local_staging", "localstaging", ".ipynb"}

// Names are the spellings of one step name.
type Names struct {
	Dir     string // my_step
	Package string // mystep
	Type    string // MyStep
}

// Normalize lower-cases name and derives its package and type names.
func Normalize(name string) (n Names, err error) {
	n.Dir = strings.ToLower(manifest.SanitizeName(strings.TrimSpace(name)))
	if n.Dir == "" {
		return n, errors.New("empty step name")
	}
	for _, tok := range strings.Split(n.Dir, "_") {
		if tok == "" {
			continue
		}
		n.Package += tok
		n.Type += strings.ToUpper(tok[:1]) + tok[1:]
	}
	if n.Package == "" || !isIdent(n.Package) {
		return n, errors.Errorf("%q does not make a valid Go package name", name)
	}
	return
}

func isIdent(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// FindStepsDir returns the first <root>/<dir>/steps directory,
// skipping version control, docs, and staging directories.
func FindStepsDir(root string) (dir string, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if !ent.IsDir() || filtered(ent.Name()) {
			continue
		}
		cand := filepath.Join(root, ent.Name(), "steps")
		if info, err := os.Stat(cand); err == nil && info.IsDir() {
			return filepath.Abs(cand)
		}
	}
	return "", ErrStepsDirNotFound
}

func filtered(name string) bool {
	for _, f := range filters {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}

// findModule walks up from dir to the nearest go.mod and returns the
// module root and path.
func findModule(dir string) (root, modpath string, err error) {
	for d := dir; ; d = filepath.Dir(d) {
		buf, err := os.ReadFile(filepath.Join(d, "go.mod"))
		if err == nil {
			modpath = modfile.ModulePath(buf)
			if modpath == "" {
				return "", "", errors.Errorf("%s/go.mod has no module directive", d)
			}
			return d, modpath, nil
		}
		if filepath.Dir(d) == d {
			return "", "", errors.Errorf("no go.mod above %s", dir)
		}
	}
}

var stepTemplate = template.Must(template.New("step").Parse(`package {{.Package}}

import (
	"context"

	"{{.Lib}}/config"
	"{{.Lib}}/manifest"
	"{{.Lib}}/step"
)

// {{.Type}} is a pipeline step.
type {{.Type}} struct {
	*step.Base
}

// New returns a {{.Type}} configured by cfg.
func New(cfg *config.Config) (step.Step, error) {
	b, err := step.NewBase(cfg, {{.Type}}{}, step.Options{})
	if err != nil {
		return nil, err
	}
	return &{{.Type}}{Base: b}, nil
}

// Run writes its outputs under s.StagingDir() and returns a manifest
// with one row per output file.  Everything Run needs should come in
// through params rather than from upstream step objects.
func (s *{{.Type}}) Run(ctx context.Context, params step.Params) (*manifest.Manifest, error) {
	m := manifest.New(step.DefaultPathColumn)
	return m, nil
}
`))

var registryTemplate = template.Must(template.New("registry").Parse(`// Code generated by datastep make-step. DO NOT EDIT.

package steps

import (
	"{{.Lib}}/step"
{{range .Steps}}
	{{.Package}} "{{.Import}}"{{end}}
)

// Registry maps step names to their constructors.
var Registry = map[string]step.Factory{
{{- range .Steps}}
	"{{.Dir}}": {{.Package}}.New,{{end}}
}
`))

type registered struct {
	Names
	Import string
}

// MakeStep creates <steps>/<name>/<name>.go under the steps directory
// found below root, regenerates the steps registry, and returns the
// new step's directory.
func MakeStep(root, name string) (dir string, err error) {
	n, err := Normalize(name)
	if err != nil {
		return
	}
	stepsDir, err := FindStepsDir(root)
	if err != nil {
		return
	}
	modroot, modpath, err := findModule(stepsDir)
	if err != nil {
		return
	}

	dir = filepath.Join(stepsDir, n.Dir)
	if _, err := os.Stat(dir); err == nil {
		return "", errors.Wrap(ErrStepExists, dir)
	}

	var buf bytes.Buffer
	err = stepTemplate.Execute(&buf, struct {
		Names
		Lib string
	}{n, LibraryPath})
	if err != nil {
		return
	}
	src, err := gofmt(buf.Bytes(), modpath)
	if err != nil {
		return
	}
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return
	}
	err = os.WriteFile(filepath.Join(dir, n.Dir+".go"), src, 0644)
	if err != nil {
		return
	}

	err = writeRegistry(stepsDir, modroot, modpath)
	if err != nil {
		return
	}
	log.Infof("generated new step at %s", dir)
	return
}

// writeRegistry regenerates steps.go from every step directory.
func writeRegistry(stepsDir, modroot, modpath string) (err error) {
	rel, err := filepath.Rel(modroot, stepsDir)
	if err != nil {
		return
	}
	entries, err := os.ReadDir(stepsDir)
	if err != nil {
		return
	}
	var steps []registered
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(stepsDir, ent.Name(), ent.Name()+".go")); err != nil {
			continue
		}
		n, err := Normalize(ent.Name())
		if err != nil || n.Dir != ent.Name() {
			log.Debugf("skipping %s", ent.Name())
			continue
		}
		steps = append(steps, registered{Names: n, Import: path.Join(modpath, filepath.ToSlash(rel), n.Dir)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Dir < steps[j].Dir })

	var buf bytes.Buffer
	err = registryTemplate.Execute(&buf, struct {
		Lib   string
		Steps []registered
	}{LibraryPath, steps})
	if err != nil {
		return
	}
	src, err := gofmt(buf.Bytes(), modpath)
	if err != nil {
		return
	}
	return os.WriteFile(filepath.Join(stepsDir, registryFile), src, 0644)
}

func gofmt(src []byte, modpath string) ([]byte, error) {
	out, err := format.Source(src, format.Options{ModulePath: modpath})
	if err != nil {
		return nil, errors.Wrapf(err, "format generated code:\n%s", src)
	}
	return out, nil
}
