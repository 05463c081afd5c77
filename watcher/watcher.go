// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

// Package watcher reacts to filesystem changes below a root directory and
// classifies created or modified files as they appear.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DCSO/nightguard/enumerator"
	"github.com/DCSO/nightguard/registry"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce is the default minimum interval between two
// classifications of the same path.
const DefaultDebounce = 500 * time.Millisecond

// ErrNotWatching is returned by Submit when the coordinator is not running.
var ErrNotWatching = errors.New("coordinator is not watching")

// ErrEventStreamClosed is reported by Err when the notification backend
// went away while watching.
var ErrEventStreamClosed = errors.New("filesystem event stream closed")

// Processor examines a single candidate. *registry.Inspector implements it.
type Processor interface {
	Process(ctx context.Context, path string) (registry.Outcome, error)
}

// State is the lifecycle state of a Coordinator.
type State int

const (
	// Idle means the coordinator was never started, or failed to start.
	Idle State = iota
	// Watching means events are being consumed.
	Watching
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configure a Coordinator.
type Options struct {
	Debounce     time.Duration
	ExcludeDirs  []string
	ExcludePaths []string
	// OnThreat is called from the event loop for each positive.
	OnThreat func(path string, out registry.Outcome)
}

type debounceEntry struct {
	last    time.Time
	pending bool
}

// Coordinator owns a recursive fsnotify watch. Events, explicit submissions
// and debounce expiry are all handled sequentially by a single goroutine.
type Coordinator struct {
	proc     Processor
	opts     Options
	target   enumerator.ScanTarget
	fsw      *fsnotify.Watcher
	requests chan string
	stop     chan struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	recent   map[string]*debounceEntry

	StartStopLock sync.Mutex
	state         State
	err           error
	l             *log.Entry
}

// New returns an idle Coordinator handing candidates to proc.
func New(proc Processor, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		proc:     proc,
		opts:     opts,
		requests: make(chan string, 1024),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		recent:   make(map[string]*debounceEntry),
		l:        log.WithFields(log.Fields{"component": "watcher"}),
	}
}

// Start begins watching root and all its subdirectories. Failing to watch
// the root itself is returned and leaves the coordinator idle.
func (c *Coordinator) Start(root string) error {
	c.StartStopLock.Lock()
	defer c.StartStopLock.Unlock()

	if c.state != Idle {
		return fmt.Errorf("cannot start coordinator in state %s", c.state)
	}
	root, err := enumerator.Validate(root)
	if err != nil {
		return err
	}
	excluded := make([]string, 0, len(c.opts.ExcludePaths))
	for _, p := range c.opts.ExcludePaths {
		excluded = append(excluded, enumerator.Resolve(p))
	}
	c.target = enumerator.ScanTarget{
		Root:         root,
		ExcludeDirs:  c.opts.ExcludeDirs,
		ExcludePaths: excluded,
	}

	c.fsw, err = fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = c.fsw.Add(root); err != nil {
		c.fsw.Close()
		return fmt.Errorf("watching %s: %w", root, err)
	}
	c.addTree(root, false)

	c.state = Watching
	c.l.Infof("watching %s", root)
	go c.run()
	return nil
}

// addTree registers watches on all non-excluded directories below dir. If
// classify is set, files already present are processed, as they may have
// been created before the watch was in place.
func (c *Coordinator) addTree(dir string, classify bool) {
	var files []string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			c.l.Debugf("skipping %s: %s", path, err)
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != c.target.Root && c.target.Excludes(path, d.Name()) {
				return filepath.SkipDir
			}
			if path != c.target.Root {
				if err = c.fsw.Add(path); err != nil {
					c.l.Warnf("cannot watch %s: %s", path, err)
					return filepath.SkipDir
				}
			}
			return nil
		}
		if classify && d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	for _, f := range files {
		c.consider(f)
	}
}

func (c *Coordinator) run() {
	ticker := time.NewTicker(c.opts.Debounce)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.fsw.Events:
			if !ok {
				c.exit(ErrEventStreamClosed)
				return
			}
			c.handleEvent(ev)
		case err, ok := <-c.fsw.Errors:
			if !ok {
				c.exit(ErrEventStreamClosed)
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				c.l.Warn("event queue overflow, some changes were missed")
			} else {
				c.l.Warnf("watch error: %s", err)
			}
		case path := <-c.requests:
			c.consider(path)
		case now := <-ticker.C:
			c.flush(now)
		}
	}
}

func (c *Coordinator) exit(err error) {
	c.StartStopLock.Lock()
	defer c.StartStopLock.Unlock()
	if c.state == Watching {
		c.l.Error(err)
		c.err = err
		c.state = Stopped
		c.cancel()
	}
}

func (c *Coordinator) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if c.target.Skip(ev.Name) {
		return
	}
	fi, err := os.Lstat(ev.Name)
	if err != nil {
		// already gone again
		return
	}
	switch {
	case fi.IsDir():
		if ev.Has(fsnotify.Create) && !c.target.Excludes(ev.Name, fi.Name()) {
			c.l.Debugf("new directory %s", ev.Name)
			if err = c.fsw.Add(ev.Name); err != nil {
				c.l.Warnf("cannot watch %s: %s", ev.Name, err)
				return
			}
			c.addTree(ev.Name, true)
		}
	case fi.Mode().IsRegular():
		c.consider(ev.Name)
	}
}

// consider classifies path unless it was classified within the debounce
// window, in which case it is marked for one more pass once the window has
// passed.
func (c *Coordinator) consider(path string) {
	now := time.Now()
	if e, ok := c.recent[path]; ok && now.Sub(e.last) < c.opts.Debounce {
		e.pending = true
		return
	}
	c.recent[path] = &debounceEntry{last: now}
	c.process(path)
}

// flush handles pending paths whose window has passed and forgets expired
// entries.
func (c *Coordinator) flush(now time.Time) {
	for path, e := range c.recent {
		if now.Sub(e.last) < c.opts.Debounce {
			continue
		}
		if e.pending {
			e.pending = false
			e.last = now
			c.process(path)
			continue
		}
		delete(c.recent, path)
	}
}

func (c *Coordinator) process(path string) {
	out, err := c.proc.Process(c.ctx, path)
	if err != nil {
		c.l.Debugf("skipping %s: %s", path, err)
		return
	}
	if out.Threat() && c.opts.OnThreat != nil {
		c.opts.OnThreat(path, out)
	}
}

// Submit requests classification of path, subject to the same exclusions
// and debouncing as filesystem events.
func (c *Coordinator) Submit(path string) error {
	if c.State() != Watching {
		return ErrNotWatching
	}
	path = enumerator.Resolve(path)
	if c.target.Skip(path) {
		return fmt.Errorf("%s is excluded", path)
	}
	select {
	case c.requests <- path:
		return nil
	case <-c.done:
		return ErrNotWatching
	}
}

// Stop ends watching. It waits for the event loop to finish and is safe to
// call more than once.
func (c *Coordinator) Stop() {
	c.StartStopLock.Lock()
	prev := c.state
	c.state = Stopped
	c.StartStopLock.Unlock()

	switch prev {
	case Watching:
		c.cancel()
		close(c.stop)
		<-c.done
		c.fsw.Close()
		c.l.Info("watcher stopped")
	case Idle:
		c.cancel()
		close(c.done)
	case Stopped:
		if c.fsw != nil {
			// the loop exited on its own
			c.fsw.Close()
		}
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.StartStopLock.Lock()
	defer c.StartStopLock.Unlock()
	return c.state
}

// Done is closed once the coordinator has stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the coordinator stopped on its own, if any.
func (c *Coordinator) Err() error {
	c.StartStopLock.Lock()
	defer c.StartStopLock.Unlock()
	return c.err
}
