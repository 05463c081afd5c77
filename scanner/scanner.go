// Nightguard
// Copyright (c) 2025, DCSO GmbH

// Package scanner runs a one-shot parallel sweep over a directory tree.
package scanner

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/DCSO/nightguard/enumerator"
	"github.com/DCSO/nightguard/registry"
	"github.com/DCSO/nightguard/sampledb"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Processor examines a single candidate. *registry.Inspector implements it.
type Processor interface {
	Process(ctx context.Context, path string) (registry.Outcome, error)
}

// Progress reports how many of the enumerated candidates have been handled.
type Progress struct {
	Processed int
	Total     int
}

// Fraction returns the completed share in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	f := float64(p.Processed) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Threat describes one positive classification.
type Threat struct {
	Path         string
	Verdict      sampledb.FileVerdict
	Entry        *sampledb.QuarantineEntry
	IsolationErr error
}

// Summary is the result of one scan pass.
type Summary struct {
	FilesScanned      int
	ThreatsFound      int
	Skipped           int
	IsolationFailures int
	Elapsed           time.Duration
	Cancelled         bool
}

// Options configure a Scanner.
type Options struct {
	// Workers bounds the number of concurrently processed candidates.
	// Defaults to GOMAXPROCS.
	Workers int
	// Progress receives updates without blocking; when the consumer lags,
	// the pending update is replaced by the most recent one. The channel is
	// never closed by the scanner.
	Progress chan Progress
	// OnThreat is called for each positive, possibly concurrently.
	OnThreat func(Threat)
}

// Scanner fans candidates of a scan target out to a Processor.
type Scanner struct {
	proc Processor
	opts Options
	l    *log.Entry
}

// New returns a Scanner using proc for every candidate.
func New(proc Processor, opts Options) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Scanner{
		proc: proc,
		opts: opts,
		l:    log.WithFields(log.Fields{"component": "scanner"}),
	}
}

type tally struct {
	sync.Mutex
	sum       Summary
	processed int
	total     int
}

// report sends the current progress. It is called with the tally lock held,
// so updates leave in increasing order.
func (s *Scanner) report(p Progress) {
	ch := s.opts.Progress
	if ch == nil {
		return
	}
	select {
	case ch <- p:
		return
	default:
	}
	// drop the stale update and retry once
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

// Scan enumerates the target and classifies every candidate. An invalid
// root is returned before any work starts. When ctx is cancelled no further
// candidates are dispatched, in-flight ones complete and the partial summary
// is returned along with the context error.
func (s *Scanner) Scan(ctx context.Context, target enumerator.ScanTarget) (Summary, error) {
	start := time.Now()
	root, err := enumerator.Validate(target.Root)
	if err != nil {
		return Summary{}, err
	}
	target.Root = root
	excluded := make([]string, 0, len(target.ExcludePaths))
	for _, p := range target.ExcludePaths {
		excluded = append(excluded, enumerator.Resolve(p))
	}
	target.ExcludePaths = excluded

	candidates := enumerator.Collect(target)
	t := &tally{total: len(candidates)}
	s.l.Infof("scanning %d files below %s", t.total, root)

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.handle(ctx, c.Path, t)
			return nil
		})
	}
	g.Wait()

	t.Lock()
	defer t.Unlock()
	t.sum.Elapsed = time.Since(start)
	if err = ctx.Err(); err != nil {
		t.sum.Cancelled = true
		s.l.Infof("scan of %s cancelled after %d of %d files", root, t.processed, t.total)
		return t.sum, err
	}
	s.l.Infof("scan of %s done: %d files, %d threats, %s", root,
		t.sum.FilesScanned, t.sum.ThreatsFound, t.sum.Elapsed)
	return t.sum, nil
}

func (s *Scanner) handle(ctx context.Context, path string, t *tally) {
	out, err := s.proc.Process(ctx, path)
	if err != nil {
		s.l.Debugf("skipping %s: %s", path, err)
	}

	t.Lock()
	t.processed++
	t.sum.FilesScanned++
	switch {
	case err != nil:
		t.sum.Skipped++
	case out.Threat():
		t.sum.ThreatsFound++
		if out.IsolationErr != nil {
			t.sum.IsolationFailures++
		}
	}
	s.report(Progress{Processed: t.processed, Total: t.total})
	t.Unlock()

	if err == nil && out.Threat() && s.opts.OnThreat != nil {
		s.opts.OnThreat(Threat{
			Path:         path,
			Verdict:      out.Verdict,
			Entry:        out.Entry,
			IsolationErr: out.IsolationErr,
		})
	}
}
