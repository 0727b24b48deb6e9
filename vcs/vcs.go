// Package vcs asks git about the working tree a step runs from.
package vcs

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DirtyError rejects a push from a working tree with uncommitted or
// untracked files.
type DirtyError struct {
	Target string
	Branch string
	Files  []string
}

func (e *DirtyError) Error() string {
	return fmt.Sprintf("push to %q was rejected because the current git status of this branch (%s) is not clean. Check files: %q",
		e.Target, e.Branch, e.Files)
}

// Repo is a git working tree.
type Repo struct {
	Dir string
}

// Open returns the repo containing dir.
func Open(dir string) (repo *Repo, err error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	repo = &Repo{Dir: abs}
	top, err := repo.git("rev-parse", "--show-toplevel")
	if err != nil {
		return nil, errors.Wrapf(err, "%s is not in a git repository", abs)
	}
	repo.Dir = top
	return
}

func (repo *Repo) git(args ...string) (out string, err error) {
	out, err = repo.gitRaw(args...)
	return strings.TrimSpace(out), err
}

// gitRaw returns stdout untrimmed; porcelain output starts with a
// significant space.
func (repo *Repo) gitRaw(args ...string) (out string, err error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repo.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debugf("git %s", strings.Join(args, " "))
	err = cmd.Run()
	if err != nil {
		return "", errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Branch returns the name of the checked-out branch.
func (repo *Repo) Branch() (string, error) {
	return repo.git("rev-parse", "--abbrev-ref", "HEAD")
}

// Head returns the commit hash of HEAD.
func (repo *Repo) Head() (string, error) {
	return repo.git("rev-parse", "HEAD")
}

// OriginURL returns the URL of the origin remote, or a file URL for
// the repo itself if there is no origin.
func (repo *Repo) OriginURL() (string, error) {
	url, err := repo.git("remote", "get-url", "origin")
	if err != nil {
		return "file://" + repo.Dir, nil
	}
	return url, nil
}

// Changed lists modified, staged, and untracked files.
func (repo *Repo) Changed() (files []string, err error) {
	out, err := repo.gitRaw("status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		fn := line[3:]
		// renames show as "old -> new"
		if i := strings.Index(fn, " -> "); i >= 0 {
			fn = fn[i+4:]
		}
		files = append(files, strings.Trim(fn, `"`))
	}
	sort.Strings(files)
	return
}

// CheckClean returns a *DirtyError if the working tree has changes.
// target names the push being guarded.
func (repo *Repo) CheckClean(target string) (err error) {
	files, err := repo.Changed()
	if err != nil {
		return
	}
	if len(files) == 0 {
		return nil
	}
	branch, err := repo.Branch()
	if err != nil {
		return
	}
	return &DirtyError{Target: target, Branch: branch, Files: files}
}

// CommitMessage describes the code state that produced a data push.
func (repo *Repo) CommitMessage() (msg string, err error) {
	origin, err := repo.OriginURL()
	if err != nil {
		return
	}
	branch, err := repo.Branch()
	if err != nil {
		return
	}
	head, err := repo.Head()
	if err != nil {
		return
	}
	return fmt.Sprintf("data created from code repo %s on branch %s at commit %s", origin, branch, head), nil
}
