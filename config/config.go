// Package config loads the project configuration once, from the
// first source found in a fixed precedence order, into an immutable
// Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/t7a/datastep/manifest"
)

const (
	// EnvVar names a config file path in the environment.
	EnvVar = "STEP_CONFIG"
	// CwdFile is looked for in the working directory.
	CwdFile = "step_config.json"

	DefaultStorageBucket          = "~/.datastep/registry"
	DefaultPackageOwner           = "datastep"
	DefaultProjectLocalStagingDir = "local_staging"
)

// Source says where a Config came from.
type Source int

const (
	SourceDefault Source = iota
	SourceCwd
	SourceEnv
	SourceMap
	SourceOverride
)

func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceCwd:
		return "cwd"
	case SourceEnv:
		return "env"
	case SourceMap:
		return "map"
	case SourceOverride:
		return "override"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// Override is an explicit config source.  Set at most one field.
type Override struct {
	Path   string
	Values map[string]interface{}
}

// Config is the decoded configuration.  Paths are kept as written;
// use the accessor methods for resolved directories.
type Config struct {
	StorageBucket          string `mapstructure:"storage_bucket"`
	PackageOwner           string `mapstructure:"package_owner"`
	ProjectLocalStagingDir string `mapstructure:"project_local_staging_dir"`

	steps  map[string]string
	source Source
	origin string
}

// Resolve picks the config source: an explicit override, then the
// STEP_CONFIG environment variable, then step_config.json in the
// working directory, then built-in defaults.  origin is the file
// path for file sources.
func Resolve(o Override) (src Source, origin string, err error) {
	switch {
	case o.Path != "" && o.Values != nil:
		return 0, "", errors.New("config override has both a path and values")
	case o.Path != "":
		return SourceOverride, o.Path, nil
	case o.Values != nil:
		return SourceMap, "", nil
	}
	if p, ok := os.LookupEnv(EnvVar); ok && p != "" {
		return SourceEnv, p, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	fn := filepath.Join(cwd, CwdFile)
	if info, err := os.Stat(fn); err == nil && !info.IsDir() {
		return SourceCwd, fn, nil
	}
	return SourceDefault, "", nil
}

// Load resolves the source and decodes it.  Keys missing from the
// source take their defaults.
func Load(o Override) (cfg *Config, err error) {
	src, origin, err := Resolve(o)
	if err != nil {
		return
	}

	v := viper.New()
	v.SetDefault("storage_bucket", DefaultStorageBucket)
	v.SetDefault("package_owner", DefaultPackageOwner)
	v.SetDefault("project_local_staging_dir", DefaultProjectLocalStagingDir)

	switch src {
	case SourceOverride, SourceEnv, SourceCwd:
		fn, err := manifest.ResolveFilepath(origin)
		if err != nil {
			return nil, errors.Wrapf(err, "config from %s", src)
		}
		origin = fn
		v.SetConfigFile(fn)
		v.SetConfigType("json")
		err = v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", fn)
		}
	case SourceMap:
		err = v.MergeConfigMap(o.Values)
		if err != nil {
			return nil, errors.Wrap(err, "config values")
		}
	}

	cfg = &Config{source: src, origin: origin, steps: make(map[string]string)}
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	// any other object-valued key is a per-step block
	for key, val := range v.AllSettings() {
		block, ok := val.(map[string]interface{})
		if !ok {
			continue
		}
		if dir, ok := block["step_local_staging_dir"].(string); ok {
			cfg.steps[key] = dir
		}
	}

	log.Debugf("config loaded from %s %s", src, origin)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StorageBucket:          DefaultStorageBucket,
		PackageOwner:           DefaultPackageOwner,
		ProjectLocalStagingDir: DefaultProjectLocalStagingDir,
		steps:                  make(map[string]string),
	}
}

func (c *Config) Source() Source {
	return c.source
}

// Origin is the file the config was read from, if any.
func (c *Config) Origin() string {
	return c.origin
}

// RegistryDir returns the absolute registry directory.
func (c *Config) RegistryDir() (string, error) {
	return filepath.Abs(manifest.ExpandUser(c.StorageBucket))
}

// ProjectStagingDir returns the absolute project staging directory,
// creating it if needed.
func (c *Config) ProjectStagingDir() (string, error) {
	return manifest.ResolveDirectory(c.ProjectLocalStagingDir, true)
}

// StepStagingDir returns the absolute staging directory for the named
// step, creating it if needed.  It defaults to a subdirectory of the
// project staging directory.
func (c *Config) StepStagingDir(name string) (string, error) {
	// viper folds keys to lower case
	if dir, ok := c.steps[strings.ToLower(name)]; ok {
		return manifest.ResolveDirectory(dir, true)
	}
	project, err := c.ProjectStagingDir()
	if err != nil {
		return "", err
	}
	return manifest.ResolveDirectory(filepath.Join(project, name), true)
}

// Map returns the configuration in its file form.
func (c *Config) Map() map[string]interface{} {
	out := map[string]interface{}{
		"storage_bucket":            c.StorageBucket,
		"package_owner":             c.PackageOwner,
		"project_local_staging_dir": c.ProjectLocalStagingDir,
	}
	for name, dir := range c.steps {
		out[name] = map[string]interface{}{"step_local_staging_dir": dir}
	}
	return out
}
