package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, fn, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(fn, []byte(body), 0644))
	return fn
}

// chdir moves into a fresh directory with STEP_CONFIG cleared.
func chdir(t *testing.T) string {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	testChdir(t, dir)
	t.Setenv(EnvVar, "")
	return dir
}

func TestPrecedence(t *testing.T) {
	dir := chdir(t)
	envFile := writeJSON(t, filepath.Join(dir, "env.json"), `{"package_owner": "env"}`)
	argFile := writeJSON(t, filepath.Join(dir, "arg.json"), `{"package_owner": "arg"}`)

	// nothing set
	cfg, err := Load(Override{})
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, cfg.Source())
	assert.Equal(t, DefaultPackageOwner, cfg.PackageOwner)

	writeJSON(t, filepath.Join(dir, CwdFile), `{"package_owner": "cwd"}`)
	cfg, err = Load(Override{})
	require.NoError(t, err)
	assert.Equal(t, SourceCwd, cfg.Source())
	assert.Equal(t, "cwd", cfg.PackageOwner)
	assert.Equal(t, filepath.Join(dir, CwdFile), cfg.Origin())

	t.Setenv(EnvVar, envFile)
	cfg, err = Load(Override{})
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, cfg.Source())
	assert.Equal(t, "env", cfg.PackageOwner)

	cfg, err = Load(Override{Values: map[string]interface{}{"package_owner": "map"}})
	require.NoError(t, err)
	assert.Equal(t, SourceMap, cfg.Source())
	assert.Equal(t, "map", cfg.PackageOwner)

	cfg, err = Load(Override{Path: argFile})
	require.NoError(t, err)
	assert.Equal(t, SourceOverride, cfg.Source())
	assert.Equal(t, "arg", cfg.PackageOwner)
	// missing keys keep their defaults
	assert.Equal(t, DefaultStorageBucket, cfg.StorageBucket)
	assert.Equal(t, DefaultProjectLocalStagingDir, cfg.ProjectLocalStagingDir)
}

func TestLoadErrors(t *testing.T) {
	dir := chdir(t)

	_, err := Load(Override{Path: "x.json", Values: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = Load(Override{Path: filepath.Join(dir, "missing.json")})
	assert.Error(t, err)

	t.Setenv(EnvVar, filepath.Join(dir, "missing.json"))
	_, err = Load(Override{})
	assert.Error(t, err)

	bad := writeJSON(t, filepath.Join(dir, "bad.json"), `{"package_owner": `)
	_, err = Load(Override{Path: bad})
	assert.Error(t, err)
}

func TestStagingDirs(t *testing.T) {
	dir := chdir(t)
	cfg, err := Load(Override{Values: map[string]interface{}{
		"project_local_staging_dir": "staging",
		"raw": map[string]interface{}{
			"step_local_staging_dir": filepath.Join(dir, "elsewhere", "raw"),
		},
	}})
	require.NoError(t, err)

	project, err := cfg.ProjectStagingDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "staging"), project)
	assert.DirExists(t, project)

	raw, err := cfg.StepStagingDir("raw")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "elsewhere", "raw"), raw)

	norm, err := cfg.StepStagingDir("norm")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "staging", "norm"), norm)
	assert.DirExists(t, norm)

	m := cfg.Map()
	assert.Equal(t, "staging", m["project_local_staging_dir"])
	assert.Equal(t, map[string]interface{}{"step_local_staging_dir": raw}, m["raw"])
}

func TestRegistryDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cfg := Default()
	got, err := cfg.RegistryDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".datastep", "registry"), got)
	assert.Equal(t, "default", cfg.Source().String())
}
