// Package step is the base for pipeline steps.  A step runs a unit
// of work that writes files into its staging directory and returns a
// manifest describing them.  The base takes care of the staging
// directory, parameter logs, and moving data to and from the
// registry.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/t7a/datastep/config"
	"github.com/t7a/datastep/datapkg"
	"github.com/t7a/datastep/manifest"
	"github.com/t7a/datastep/vcs"
)

const (
	ManifestFile      = "manifest.csv"
	InitParamsFile    = "init_parameters.json"
	RunParamsFile     = "run_parameters.json"
	DefaultBranch     = "master"
	DefaultPathColumn = "filepath"
)

var ErrNoManifest = errors.New("step has no manifest; run it before pushing")

// Params are the arguments of one run.  They are logged to the
// staging directory as JSON.
type Params map[string]interface{}

// Step is a node in a pipeline.  Implementations embed *Base, which
// supplies StagingDir and the unexported method, and write Run.
type Step interface {
	// Run writes output files under StagingDir and returns a manifest
	// with one row per output.
	Run(ctx context.Context, params Params) (*manifest.Manifest, error)
	StagingDir() string
	base() *Base
}

// Factory builds a step from the project configuration.
type Factory func(cfg *config.Config) (Step, error)

// VCS is the version control state a push is recorded against.
type VCS interface {
	Branch() (string, error)
	CheckClean(target string) error
	CommitMessage() (string, error)
}

type Options struct {
	// Name defaults to the lower-cased type name of the step.
	Name string
	// PackageName defaults to the name of the working directory.
	PackageName     string
	FilepathColumns []string
	MetadataColumns []string
	// Upstream names the steps whose data this step reads.
	Upstream []string
	NoClean  bool
	// VCS defaults to the git repo holding the working directory.
	VCS VCS
	// Registry defaults to the one named by the config.
	Registry *datapkg.Registry
}

// Base holds the state every step shares.
type Base struct {
	FilepathColumns []string
	MetadataColumns []string
	Upstream        []string
	// Manifest is the latest run's output, with absolute paths.
	Manifest *manifest.Manifest

	name              string
	packageName       string
	cfg               *config.Config
	stagingDir        string
	projectStagingDir string
	vcs               VCS
	registry          *datapkg.Registry
}

// NewBase prepares the staging directory for the step implemented by
// impl, cleaning it unless opts.NoClean is set, logs the init
// parameters there, and loads any manifest a previous run left.
func NewBase(cfg *config.Config, impl interface{}, opts Options) (b *Base, err error) {
	b = &Base{
		FilepathColumns: opts.FilepathColumns,
		MetadataColumns: opts.MetadataColumns,
		Upstream:        opts.Upstream,
		cfg:             cfg,
		vcs:             opts.VCS,
		registry:        opts.Registry,
	}
	if len(b.FilepathColumns) == 0 {
		b.FilepathColumns = []string{DefaultPathColumn}
	}

	b.name = opts.Name
	if b.name == "" {
		b.name = typeName(impl)
	}
	if b.name == "" {
		return nil, errors.New("step has no name")
	}
	b.name = manifest.SanitizeName(b.name)

	b.packageName = opts.PackageName
	if b.packageName == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		b.packageName = filepath.Base(cwd)
	}
	b.packageName = manifest.SanitizeName(b.packageName)

	b.projectStagingDir, err = cfg.ProjectStagingDir()
	if err != nil {
		return nil, errors.Wrap(err, "project staging dir")
	}
	b.stagingDir, err = cfg.StepStagingDir(b.name)
	if err != nil {
		return nil, errors.Wrap(err, "step staging dir")
	}

	if !opts.NoClean {
		err = b.Clean()
		if err != nil {
			return nil, err
		}
	}

	params := map[string]interface{}{
		"step_name":             b.name,
		"package_name":          b.packageName,
		"filepath_columns":      b.FilepathColumns,
		"metadata_columns":      b.MetadataColumns,
		"direct_upstream_tasks": b.Upstream,
		"clean_before_run":      !opts.NoClean,
		"config":                cfg.Map(),
	}
	err = writeParams(filepath.Join(b.stagingDir, InitParamsFile), params)
	if err != nil {
		return nil, err
	}

	fn := filepath.Join(b.stagingDir, ManifestFile)
	if _, err := os.Stat(fn); err == nil {
		b.Manifest, err = manifest.Load(fn, b.FilepathColumns...)
		if err != nil {
			return nil, err
		}
		log.Debugf("loaded manifest %s", fn)
	}
	return
}

func typeName(impl interface{}) string {
	if impl == nil {
		return ""
	}
	t := reflect.TypeOf(impl)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return strings.ToLower(t.Name())
}

func writeParams(fn string, params map[string]interface{}) (err error) {
	clean := make(map[string]interface{}, len(params))
	for k, v := range params {
		clean[k] = manifest.CleanMetadata(v, fmt.Sprintf("parameter %s", k))
	}
	buf, err := json.MarshalIndent(clean, "", "  ")
	if err != nil {
		return
	}
	err = renameio.WriteFile(fn, buf, 0644)
	if err != nil {
		return
	}
	log.Debugf("stored params at %s", fn)
	return
}

// Execute logs params, runs s, and saves the manifest it returns.
func Execute(ctx context.Context, s Step, params Params) (m *manifest.Manifest, err error) {
	b := s.base()
	if params == nil {
		params = Params{}
	}
	err = writeParams(filepath.Join(b.stagingDir, RunParamsFile), params)
	if err != nil {
		return
	}
	m, err = s.Run(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "run %s", b.name)
	}
	b.Manifest = m
	if m != nil {
		err = m.Save(filepath.Join(b.stagingDir, ManifestFile))
	}
	return
}

func (b *Base) base() *Base {
	return b
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) PackageName() string {
	return b.packageName
}

func (b *Base) StagingDir() string {
	return b.stagingDir
}

func (b *Base) ProjectStagingDir() string {
	return b.projectStagingDir
}

func (b *Base) Config() *config.Config {
	return b.cfg
}

// Location is the registry name of the project package.
func (b *Base) Location() string {
	return b.cfg.PackageOwner + "/" + b.packageName
}

func (b *Base) getVCS() (VCS, error) {
	if b.vcs == nil {
		repo, err := vcs.Open(".")
		if err != nil {
			return nil, err
		}
		b.vcs = repo
	}
	return b.vcs, nil
}

func (b *Base) getRegistry() (*datapkg.Registry, error) {
	if b.registry == nil {
		dir, err := b.cfg.RegistryDir()
		if err != nil {
			return nil, err
		}
		b.registry, err = datapkg.OpenRegistry(dir)
		if err != nil {
			return nil, err
		}
	}
	return b.registry, nil
}

// Push packages the manifest's files and publishes them into the
// project package under <branch>/<step>/, replacing whatever an
// earlier push put there.  The working tree must be clean.
func (b *Base) Push(ctx context.Context) (topHash string, err error) {
	repo, err := b.getVCS()
	if err != nil {
		return
	}
	branch, err := repo.Branch()
	if err != nil {
		return
	}
	loc := b.Location()
	prefix := branch + "/" + b.name
	err = repo.CheckClean(loc + "/" + prefix)
	if err != nil {
		return
	}
	if b.Manifest == nil {
		return "", ErrNoManifest
	}

	validated, err := manifest.Validate(ctx, b.Manifest, b.FilepathColumns, b.MetadataColumns)
	if err != nil {
		return
	}
	stepPkg, relative, err := datapkg.Build(validated, b.stagingDir, b.FilepathColumns, b.MetadataColumns)
	if err != nil {
		return
	}

	// the packaged manifest carries logical keys
	tmp, err := os.MkdirTemp("", "datastep-push")
	if err != nil {
		return
	}
	defer os.RemoveAll(tmp)
	mfn := filepath.Join(tmp, ManifestFile)
	err = relative.Save(mfn)
	if err != nil {
		return
	}
	err = stepPkg.Set(ManifestFile, mfn, nil)
	if err != nil {
		return
	}
	for _, name := range []string{RunParamsFile, InitParamsFile} {
		fn := filepath.Join(b.stagingDir, name)
		if _, err := os.Stat(fn); err != nil {
			continue
		}
		err = stepPkg.Set(name, fn, nil)
		if err != nil {
			return
		}
	}

	reg, err := b.getRegistry()
	if err != nil {
		return
	}
	project, err := reg.Browse(loc, "")
	if errors.Is(err, datapkg.ErrPackageNotFound) {
		project, err = datapkg.NewPackage(), nil
	}
	if err != nil {
		return
	}
	_ = project.Delete(prefix)
	err = stepPkg.Walk(func(key string, e *datapkg.Entry) error {
		return project.SetEntry(prefix+"/"+key, e)
	})
	if err != nil {
		return
	}

	msg, err := repo.CommitMessage()
	if err != nil {
		return
	}
	topHash, err = reg.Push(ctx, project, loc, msg)
	if err != nil {
		return
	}
	log.Infof("pushed %s to %s as %s", b.name, loc, topHash)
	return
}

// Checkout fetches this step's data from the project package at
// version, or the latest version if empty, into the staging
// directory and reloads the manifest.  Data pushed from the current
// branch wins; otherwise the master branch's data is used.
func (b *Base) Checkout(ctx context.Context, version string) (err error) {
	repo, err := b.getVCS()
	if err != nil {
		return
	}
	branch, err := repo.Branch()
	if err != nil {
		return
	}
	err = b.checkout(ctx, b.name, branch, version, b.stagingDir)
	if err != nil {
		return
	}

	fn := filepath.Join(b.stagingDir, ManifestFile)
	m, err := manifest.Load(fn, b.FilepathColumns...)
	if err != nil {
		return
	}
	b.Manifest, err = manifest.Rel2Abs(m, b.FilepathColumns, b.stagingDir)
	return
}

func (b *Base) checkout(ctx context.Context, name, branch, version, dest string) (err error) {
	reg, err := b.getRegistry()
	if err != nil {
		return
	}
	project, err := reg.Browse(b.Location(), version)
	if err != nil {
		return
	}
	sub, err := project.Subpackage(branch + "/" + name)
	if err != nil {
		log.Debugf("no %s data on branch %s, using %s", name, branch, DefaultBranch)
		sub, err = project.Subpackage(DefaultBranch + "/" + name)
	}
	if err != nil {
		return errors.Wrapf(datapkg.ErrPackageNotFound, "%s: no data for step %s", b.Location(), name)
	}
	_, err = reg.Fetch(ctx, sub, dest)
	return
}

// Pull checks out the data of every upstream step into that step's
// staging directory.
func (b *Base) Pull(ctx context.Context, version string) (err error) {
	repo, err := b.getVCS()
	if err != nil {
		return
	}
	branch, err := repo.Branch()
	if err != nil {
		return
	}
	for _, up := range b.Upstream {
		dest, err := b.cfg.StepStagingDir(up)
		if err != nil {
			return err
		}
		err = b.checkout(ctx, up, branch, version, dest)
		if err != nil {
			return err
		}
	}
	return
}

// Clean empties the staging directory.
func (b *Base) Clean() (err error) {
	err = os.RemoveAll(b.stagingDir)
	if err != nil {
		return
	}
	return os.MkdirAll(b.stagingDir, 0755)
}

func (b *Base) String() string {
	return fmt.Sprintf("<%s [ upstream_tasks: %v, storage_bucket: '%s', project_local_staging_dir: '%s', step_local_staging_dir: '%s' ]>",
		b.name, b.Upstream, b.cfg.StorageBucket, b.projectStagingDir, b.stagingDir)
}
