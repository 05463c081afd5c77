// Nightguard
// Copyright (c) 2025, DCSO GmbH

// Package enumerator produces the candidate files below a scan root.
package enumerator

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrInvalidRoot is returned for scan roots that do not exist or are not
// directories.
var ErrInvalidRoot = errors.New("invalid scan root")

// DefaultExcludeDirs are directory name substrings that are never descended
// into.
var DefaultExcludeDirs = []string{".git", ".svn", ".hg", "node_modules", "__pycache__", ".cache"}

// ScanTarget is a root path to inspect plus its exclusions.
type ScanTarget struct {
	Root string
	// ExcludeDirs prunes every directory whose name contains one of these
	// substrings.
	ExcludeDirs []string
	// ExcludePaths prunes these absolute paths and everything below them,
	// e.g. the quarantine directory.
	ExcludePaths []string
}

// Candidate is a single file eligible for inspection.
type Candidate struct {
	Path string
	size int64
}

// Size returns the length of the candidate, reading it from the filesystem
// on first use.
func (c *Candidate) Size() (int64, error) {
	if c.size > 0 {
		return c.size, nil
	}
	fi, err := os.Stat(c.Path)
	if err != nil {
		return 0, err
	}
	c.size = fi.Size()
	return c.size, nil
}

// Validate returns the absolute, cleaned form of root, or an error wrapping
// ErrInvalidRoot if it is not an existing directory.
func Validate(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidRoot)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidRoot, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidRoot, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, abs)
	}
	return Resolve(abs), nil
}

// Resolve returns the absolute path with symbolic links evaluated. For a
// path that does not exist yet, the deepest existing ancestor is resolved
// and the missing components are appended to it.
func Resolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	var missing []string
	for dir := abs; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		missing = append([]string{filepath.Base(dir)}, missing...)
		dir = parent
	}
}

// Excludes reports whether the directory at path (with base name name)
// must not be descended into, or whether a file at path lies below an
// excluded location.
func (t ScanTarget) Excludes(path string, name string) bool {
	for _, sub := range t.ExcludeDirs {
		if sub != "" && strings.Contains(name, sub) {
			return true
		}
	}
	return t.underExcludedPath(path)
}

func (t ScanTarget) underExcludedPath(path string) bool {
	for _, ex := range t.ExcludePaths {
		if ex == "" {
			continue
		}
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Skip reports whether a file path must not be inspected, i.e. whether one
// of its parent directories below Root is excluded.
func (t ScanTarget) Skip(path string) bool {
	if t.underExcludedPath(path) {
		return true
	}
	rel, err := filepath.Rel(t.Root, filepath.Dir(path))
	if err != nil || rel == "." {
		return false
	}
	if strings.HasPrefix(rel, "..") {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		for _, sub := range t.ExcludeDirs {
			if sub != "" && strings.Contains(part, sub) {
				return true
			}
		}
	}
	return false
}

// Candidates walks the target lazily, yielding the regular files below the
// root. Symbolic links are not followed. Unreadable directories are skipped.
func Candidates(t ScanTarget) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		err := filepath.WalkDir(t.Root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Debugf("skipping %s: %s", path, err)
				if d != nil && d.IsDir() && path != t.Root {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != t.Root && t.Excludes(path, d.Name()) {
					log.Debugf("excluded directory %s", path)
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if t.underExcludedPath(path) {
				return nil
			}
			if !yield(Candidate{Path: path}) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			log.Warnf("walking %s: %s", t.Root, err)
		}
	}
}

// Collect enumerates all candidates of the target eagerly.
func Collect(t ScanTarget) []Candidate {
	var out []Candidate
	for c := range Candidates(t) {
		out = append(out, c)
	}
	return out
}
