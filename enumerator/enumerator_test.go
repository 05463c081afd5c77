// Nightguard
// Copyright (c) 2025, DCSO GmbH

package enumerator

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
)

func makeTree(t *testing.T) string {
	dir, err := os.MkdirTemp("", "enum")
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{"a/b", ".git/objects", "quarantine", "node_modules/x"} {
		if err = os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range []string{"top.txt", "a/one.txt", "a/b/two.bin", ".git/objects/obj", "quarantine/evil.sh", "node_modules/x/index.js"} {
		if err = os.WriteFile(filepath.Join(dir, f), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func paths(cands []Candidate, root string) []string {
	var out []string
	for _, c := range cands {
		rel, _ := filepath.Rel(root, c.Path)
		out = append(out, filepath.ToSlash(rel))
	}
	sort.Strings(out)
	return out
}

func TestCandidatesExclusions(t *testing.T) {
	dir := makeTree(t)
	defer os.RemoveAll(dir)

	target := ScanTarget{
		Root:         dir,
		ExcludeDirs:  DefaultExcludeDirs,
		ExcludePaths: []string{filepath.Join(dir, "quarantine")},
	}
	got := paths(Collect(target), dir)
	want := []string{"a/b/two.bin", "a/one.txt", "top.txt"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCandidatesSkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := makeTree(t)
	defer os.RemoveAll(dir)

	// a directory cycle and a file link
	if err := os.Symlink(dir, filepath.Join(dir, "a", "loop")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "top.txt"), filepath.Join(dir, "link.txt")); err != nil {
		t.Fatal(err)
	}
	got := paths(Collect(ScanTarget{Root: dir, ExcludeDirs: DefaultExcludeDirs,
		ExcludePaths: []string{filepath.Join(dir, "quarantine")}}), dir)
	if len(got) != 3 {
		t.Fatalf("symlinks must not be followed or yielded, got %v", got)
	}
}

func TestCandidatesUnreadableDir(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission checks do not apply")
	}
	dir := makeTree(t)
	defer os.RemoveAll(dir)

	locked := filepath.Join(dir, "locked")
	if err := os.MkdirAll(locked, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(locked, "hidden"), []byte("x"), 0644)
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(locked, 0755)

	got := Collect(ScanTarget{Root: dir})
	// top.txt, a/one.txt, a/b/two.bin, .git/objects/obj, quarantine/evil.sh,
	// node_modules/x/index.js
	if len(got) != 6 {
		t.Fatalf("enumeration should continue past unreadable dirs, got %d", len(got))
	}
}

func TestCandidatesEarlyStop(t *testing.T) {
	dir := makeTree(t)
	defer os.RemoveAll(dir)

	n := 0
	for range Candidates(ScanTarget{Root: dir}) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected to stop after one candidate, got %d", n)
	}
}

func TestCandidateSize(t *testing.T) {
	dir := makeTree(t)
	defer os.RemoveAll(dir)
	c := Candidate{Path: filepath.Join(dir, "top.txt")}
	sz, err := c.Size()
	if err != nil {
		t.Fatal(err)
	}
	if sz != 1 {
		t.Fatalf("expected size 1, got %d", sz)
	}
}

func TestValidate(t *testing.T) {
	dir := makeTree(t)
	defer os.RemoveAll(dir)

	abs, err := Validate(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(abs) {
		t.Fatalf("%s is not absolute", abs)
	}
	if _, err = Validate(filepath.Join(dir, "does-not-exist")); !errors.Is(err, ErrInvalidRoot) {
		t.Fatalf("expected ErrInvalidRoot, got %v", err)
	}
	if _, err = Validate(filepath.Join(dir, "top.txt")); !errors.Is(err, ErrInvalidRoot) {
		t.Fatalf("expected ErrInvalidRoot for a file, got %v", err)
	}
	if _, err = Validate(""); !errors.Is(err, ErrInvalidRoot) {
		t.Fatalf("expected ErrInvalidRoot for empty root, got %v", err)
	}
}

func TestResolveMissingBelowSymlink(t *testing.T) {
	dir, err := os.MkdirTemp("", "resolve")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	real := filepath.Join(dir, "real")
	if err = os.Mkdir(real, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err = os.Symlink(real, link); err != nil {
		t.Skipf("symlinks not supported: %s", err)
	}

	want := filepath.Join(Resolve(real), ".nightguard", "quarantine")
	if got := Resolve(filepath.Join(link, ".nightguard", "quarantine")); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := Resolve(link); got != Resolve(real) {
		t.Fatalf("existing link resolved to %s", got)
	}
}

func TestSkip(t *testing.T) {
	target := ScanTarget{
		Root:         "/data",
		ExcludeDirs:  []string{".git"},
		ExcludePaths: []string{"/data/q"},
	}
	cases := map[string]bool{
		"/data/file":             false,
		"/data/sub/file":         false,
		"/data/.git/HEAD":        true,
		"/data/sub/.git/x/y":     true,
		"/data/q/sample":         true,
		"/data/quarantine/other": false,
	}
	for p, want := range cases {
		p = filepath.FromSlash(p)
		if got := target.Skip(p); got != want {
			t.Errorf("Skip(%s) = %v, want %v", p, got, want)
		}
	}
}
