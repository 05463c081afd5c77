// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/DCSO/nightguard/registry"
	"github.com/DCSO/nightguard/watcher"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// sigChan receives the signals controlling a running watch
var sigChan = make(chan os.Signal, 1)

func newWatchCmd(o *options) *cobra.Command {
	var sockPath string
	var janitor bool
	cmd := &cobra.Command{
		Use:   "watch [root]",
		Short: "Watch a directory tree and quarantine new threats",
		Long: `Watch inspects files under the given directory (default: the home
directory) as they are created or modified, until interrupted.

Quarantined files are kept until restored or purged by hand. Pass --janitor
to delete them automatically once older than --maxage or beyond --maxspace.

  SIGHUP   reinitialize plugins
  SIGUSR1  run a full scan of the watched tree
  SIGUSR2  drop the verdict cache and run a full scan`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o, cmd)
			if err != nil {
				return err
			}
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			e, err := newEngine(o, cfg)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.watch(root, sockPath, janitor)
		},
	}
	cmd.Flags().StringVar(&sockPath, "socket", "", "Path for a Unix socket accepting scan requests")
	cmd.Flags().BoolVar(&janitor, "janitor", false, "Purge old quarantined files (see --maxage, --maxspace)")
	return cmd
}

func (e *engine) watch(root, sockPath string, withJanitor bool) error {
	coord := watcher.New(e.inspector, watcher.Options{
		Debounce:     e.cfg.Debounce,
		ExcludeDirs:  e.cfg.ExcludeDirs,
		ExcludePaths: e.cfg.ProtectedPaths(),
		OnThreat: func(path string, out registry.Outcome) {
			logThreat(path, out.Verdict, out.Entry, out.IsolationErr)
		},
	})
	if err := coord.Start(root); err != nil {
		return err
	}
	log.Infof("watching %s", root)

	var si *SocketInput
	if sockPath != "" {
		var err error
		si, err = MakeSocketInput(sockPath, coord)
		if err != nil {
			coord.Stop()
			return err
		}
		si.Run()
	}

	janitorNotify := make(chan bool)
	var j *Janitor
	if withJanitor {
		j = MakeJanitor(janitorNotify, e.quarantine)
		if err := j.Run(); err != nil {
			log.Error(err)
			j = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var scans sync.WaitGroup
	rescan := func() {
		scans.Add(1)
		go func() {
			defer scans.Done()
			sum, err := e.scan(ctx, root, e.cfg.Workers, 5*time.Second)
			if err != nil {
				log.Errorf("rescan failed: %s", err)
				return
			}
			if sum.IsolationFailures > 0 {
				log.Errorf("rescan: %d threats could not be contained", sum.IsolationFailures)
			}
		}()
	}

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP,
		syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	var watchErr error
SigLoop:
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				log.Info("Received SIGHUP, reinitializing plugins")
				InitializePlugins()
			case syscall.SIGUSR1:
				log.Info("Received SIGUSR1, rescanning ", root)
				rescan()
			case syscall.SIGUSR2:
				log.Info("Received SIGUSR2, rescanning from scratch ", root)
				if err := e.db.Reset(); err != nil {
					log.Errorf("could not reset verdict cache: %s", err)
				}
				rescan()
			case os.Interrupt, syscall.SIGTERM:
				log.Info("Received request to stop, stopping janitor and watcher...")
				break SigLoop
			}
		case <-coord.Done():
			watchErr = coord.Err()
			if watchErr == nil {
				watchErr = errors.New("watcher stopped unexpectedly")
			}
			break SigLoop
		}
	}

	cancel()
	scans.Wait()
	if si != nil {
		stopped := make(chan bool)
		si.Stop(stopped)
		<-stopped
	}
	coord.Stop()
	if j != nil {
		j.Stop()
		<-janitorNotify
	}
	log.Info("stopped janitor and watcher")
	return watchErr
}
