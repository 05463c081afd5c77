// Nightguard
// Copyright (c) 2025, DCSO GmbH

package quarantine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/DCSO/nightguard/sampledb"
)

type fixture struct {
	base  string
	src   string
	qdir  string
	audit *AuditLog
}

func makeFixture(t *testing.T) *fixture {
	base, err := os.MkdirTemp("", "quarantine")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		base:  base,
		src:   filepath.Join(base, "src"),
		qdir:  filepath.Join(base, "q"),
		audit: NewAuditLog(filepath.Join(base, "audit.log")),
	}
	if err = os.MkdirAll(f.src, 0755); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) write(t *testing.T, rel string, content string) string {
	p := filepath.Join(f.src, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestIsolateNoOverwrite(t *testing.T) {
	f := makeFixture(t)
	defer os.RemoveAll(f.base)
	m := NewManager(f.qdir, f.audit, nil)

	a := f.write(t, "one/evil.sh", "first")
	b := f.write(t, "two/evil.sh", "second")

	ea, err := m.Isolate(a)
	if err != nil {
		t.Fatal(err)
	}
	eb, err := m.Isolate(b)
	if err != nil {
		t.Fatal(err)
	}
	if ea.Destination == eb.Destination {
		t.Fatal("two isolations share a destination")
	}
	if ea.Name() != "evil.sh" || eb.Name() != "evil_1.sh" {
		t.Fatalf("unexpected names %s, %s", ea.Name(), eb.Name())
	}
	for dest, want := range map[string]string{ea.Destination: "first", eb.Destination: "second"} {
		got, err := os.ReadFile(dest)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Fatalf("%s: expected %q, got %q", dest, want, got)
		}
	}
	for _, p := range []string{a, b} {
		if _, err = os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("original %s still present", p)
		}
	}
	fi, err := os.Stat(ea.Destination)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0111 != 0 {
		t.Fatal("quarantined sample kept exec bits")
	}
	if ea.ID == "" || ea.ID == eb.ID {
		t.Fatal("entries need distinct ids")
	}
}

func TestIsolateNoExtension(t *testing.T) {
	f := makeFixture(t)
	defer os.RemoveAll(f.base)
	m := NewManager(f.qdir, nil, nil)

	names := []string{}
	for i := 0; i < 3; i++ {
		e, err := m.Isolate(f.write(t, fmt.Sprintf("%d/payload", i), "x"))
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, e.Name())
	}
	if strings.Join(names, ",") != "payload,payload_1,payload_2" {
		t.Fatalf("unexpected names %v", names)
	}

	e, err := m.Isolate(f.write(t, "dot/.bashrc", "x"))
	if err != nil {
		t.Fatal(err)
	}
	if e.Name() != ".bashrc" {
		t.Fatalf("unexpected name %s", e.Name())
	}
}

func TestIsolateConcurrent(t *testing.T) {
	f := makeFixture(t)
	defer os.RemoveAll(f.base)
	m := NewManager(f.qdir, f.audit, nil)

	const n = 40
	var paths []string
	for i := 0; i < n; i++ {
		paths = append(paths, f.write(t, fmt.Sprintf("%d/sample.bin", i), fmt.Sprintf("content %d", i)))
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			e, err := m.Isolate(p)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[e.Destination] = true
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("expected %d distinct destinations, got %d", n, len(seen))
	}
	entries, err := os.ReadDir(f.qdir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d files in quarantine, got %d", n, len(entries))
	}

	data, err := os.ReadFile(f.audit.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != n {
		t.Fatalf("expected %d audit lines, got %d", n, len(lines))
	}
	lineRe := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T[^\]]+\] isolated .+ -> sample(_\d+)?\.bin$`)
	for _, l := range lines {
		if !lineRe.MatchString(l) {
			t.Fatalf("malformed audit line %q", l)
		}
	}
}

func TestIsolateMissingSource(t *testing.T) {
	f := makeFixture(t)
	defer os.RemoveAll(f.base)
	m := NewManager(f.qdir, f.audit, nil)

	_, err := m.Isolate(filepath.Join(f.src, "gone"))
	var ierr *IsolationError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IsolationError, got %v", err)
	}
	if !os.IsNotExist(errors.Unwrap(err)) {
		t.Fatalf("expected wrapped not-exist error, got %v", ierr.Err)
	}
	data, err := os.ReadFile(f.audit.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "isolation failed") {
		t.Fatal("failed isolation not audited")
	}
}

func TestIsolateUncreatableDir(t *testing.T) {
	f := makeFixture(t)
	defer os.RemoveAll(f.base)

	// a file where the quarantine directory should be
	blocker := filepath.Join(f.base, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(filepath.Join(blocker, "q"), nil, nil)
	src := f.write(t, "evil.sh", "payload")
	_, err := m.Isolate(src)
	var ierr *IsolationError
	if !errors.As(err, &ierr) || ierr.Op != "mkdir" {
		t.Fatalf("expected mkdir IsolationError, got %v", err)
	}
	data, err := os.ReadFile(src)
	if err != nil || string(data) != "payload" {
		t.Fatal("original must stay untouched on failure")
	}
}

func TestIsolateDeleteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	f := makeFixture(t)
	defer os.RemoveAll(f.base)
	m := NewManager(f.qdir, f.audit, nil)

	src := f.write(t, "ro/evil.sh", "payload")
	ro := filepath.Dir(src)
	// neither rename nor delete is possible from a read-only directory
	if err := os.Chmod(ro, 0555); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(ro, 0755)

	if _, err := m.Isolate(src); err == nil {
		t.Fatal("isolation must not report success when the original remains")
	}
	if data, err := os.ReadFile(src); err != nil || string(data) != "payload" {
		t.Fatal("original must stay untouched on failure")
	}
	entries, _ := os.ReadDir(f.qdir)
	if len(entries) != 0 {
		t.Fatalf("no partial copy may remain in quarantine, found %d", len(entries))
	}
}

type memIndex struct {
	mu      sync.Mutex
	entries map[string]sampledb.QuarantineEntry
}

func (i *memIndex) PutQuarantineEntry(e sampledb.QuarantineEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[e.Name()] = e
	return nil
}

func (i *memIndex) GetQuarantineEntry(name string) (sampledb.QuarantineEntry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[name]
	if !ok {
		return e, sampledb.ErrNotFound
	}
	return e, nil
}

func (i *memIndex) DeleteQuarantineEntry(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, name)
	return nil
}

func (i *memIndex) QuarantineEntries() ([]sampledb.QuarantineEntry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []sampledb.QuarantineEntry
	for _, e := range i.entries {
		out = append(out, e)
	}
	return out, nil
}

func TestRestoreAndPurge(t *testing.T) {
	f := makeFixture(t)
	defer os.RemoveAll(f.base)
	idx := &memIndex{entries: make(map[string]sampledb.QuarantineEntry)}
	m := NewManager(f.qdir, f.audit, idx)

	src := f.write(t, "docs/report.pdf", "MZ not really")
	e, err := m.Isolate(src)
	if err != nil {
		t.Fatal(err)
	}
	list, err := m.List()
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one listed entry, got %d (%v)", len(list), err)
	}

	// refuses to overwrite
	if err = os.WriteFile(src, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err = m.Restore(e.Name(), ""); err == nil {
		t.Fatal("restore overwrote an existing file")
	}
	os.Remove(src)

	dest, err := m.Restore(e.Name(), "")
	if err != nil {
		t.Fatal(err)
	}
	if dest != src {
		t.Fatalf("restored to %s, expected %s", dest, src)
	}
	if data, _ := os.ReadFile(src); string(data) != "MZ not really" {
		t.Fatal("restored content differs")
	}
	if list, _ = m.List(); len(list) != 0 {
		t.Fatal("index still lists restored sample")
	}

	e, err = m.Isolate(src)
	if err != nil {
		t.Fatal(err)
	}
	if err = m.Purge(e.Name(), "test"); err != nil {
		t.Fatal(err)
	}
	if _, err = os.Stat(e.Destination); !os.IsNotExist(err) {
		t.Fatal("purged sample still present")
	}
	if err = m.Purge("../audit.log", "escape"); err == nil {
		t.Fatal("purge must reject names outside the quarantine directory")
	}
}

func TestListWithoutIndex(t *testing.T) {
	f := makeFixture(t)
	defer os.RemoveAll(f.base)
	m := NewManager(f.qdir, nil, nil)

	list, err := m.List()
	if err != nil || len(list) != 0 {
		t.Fatalf("missing directory should list empty, got %v %v", list, err)
	}
	if _, err = m.Isolate(f.write(t, "a.txt", "x")); err != nil {
		t.Fatal(err)
	}
	list, err = m.List()
	if err != nil || len(list) != 1 || list[0].Name() != "a.txt" {
		t.Fatalf("unexpected listing %v %v", list, err)
	}
}
