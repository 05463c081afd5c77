// Nightguard
// Copyright (c) 2025, DCSO GmbH

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/DCSO/nightguard/config"
	"github.com/DCSO/nightguard/detection"
	"github.com/DCSO/nightguard/enumerator"
	"github.com/DCSO/nightguard/quarantine"
	"github.com/DCSO/nightguard/registry"
	"github.com/DCSO/nightguard/sampledb"
	"github.com/DCSO/nightguard/scanner"
	"github.com/DCSO/nightguard/submitter"
	"github.com/DCSO/nightguard/uploader"

	"github.com/NeowayLabs/wabbit"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// amqpDial replaces the AMQP dialer when set, e.g. by tests using amqptest.
var amqpDial func(url string) (wabbit.Conn, string, error)

// engine wires the components used by all commands.
type engine struct {
	cfg        *config.Config
	db         *sampledb.DB
	audit      *quarantine.AuditLog
	quarantine *quarantine.Manager
	submitter  submitter.Submitter
	uploader   *uploader.Uploader
	inspector  *registry.Inspector

	// scanLock serializes full scans triggered while watching
	scanLock sync.Mutex
}

func loadConfig(o *options, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if cfg.File != "" {
		log.Infof("using config file %s", cfg.File)
	}
	return cfg, nil
}

// openStore opens the database and quarantine only, for commands that do
// not inspect files.
func openStore(cfg *config.Config) (*engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	db, err := sampledb.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening database in %s: %w", cfg.DataDir, err)
	}
	e := &engine{cfg: cfg, db: db}
	e.audit = quarantine.NewAuditLog(cfg.AuditLog)
	e.quarantine = quarantine.NewManager(cfg.QuarantineDir, e.audit, db)
	return e, nil
}

func newEngine(o *options, cfg *config.Config) (*engine, error) {
	dc, err := cfg.DetectionConfig()
	if err != nil {
		return nil, err
	}
	p, err := detection.New(dc)
	if err != nil {
		return nil, err
	}

	e, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	// Create submitter
	switch {
	case o.dummy:
		log.Info("logging verdicts instead of submitting them")
		e.submitter = submitter.MakeDummySubmitter()
	case o.amqpURI != "":
		e.submitter, err = submitter.MakeAMQPSubmitter(submitter.AMQPConfig{
			URI:      o.amqpURI,
			User:     o.amqpUser,
			Pass:     o.amqpPass,
			Exchange: o.amqpExchange,
			Verbose:  o.verbose,
			Dial:     amqpDial,
		})
		if err != nil {
			e.Close()
			return nil, err
		}
	}

	// Create uploader
	if o.uploadEndpoint != "" {
		scratch := o.uploadScratch
		if scratch == "" {
			scratch = filepath.Join(cfg.DataDir, "scratch")
		}
		e.uploader, err = uploader.MakeS3Uploader(uploader.S3Credentials{
			Endpoint:        o.uploadEndpoint,
			AccessKey:       o.uploadAccess,
			SecretAccessKey: o.uploadSecret,
			BucketName:      o.uploadBucket,
			Region:          o.uploadRegion,
		}, o.uploadSSL, scratch, e.submitter)
		if err != nil {
			e.Close()
			return nil, err
		}
	}

	for _, plug := range registry.AnalysisPlugins {
		if s, ok := plug.(interface{ SetExecutableExtensions([]string) }); ok {
			s.SetExecutableExtensions(cfg.ExecutableExtensions)
		}
	}
	InitializePlugins()

	ins := registry.NewInspector(p)
	ins.DB = e.db
	ins.Submitter = e.submitter
	ins.Quarantine = e.quarantine
	if e.uploader != nil {
		ins.Mirror = e.uploader
	}
	if cfg.RescanTimeframe > 0 {
		ins.RescanTimeframe = cfg.RescanTimeframe
	}
	e.inspector = ins
	return e, nil
}

// Close stops the uploader and submitter and closes the database.
func (e *engine) Close() {
	if e.uploader != nil {
		e.uploader.Stop()
	}
	if e.submitter != nil {
		e.submitter.Finish()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			log.Error(err)
		}
	}
}

// resolveRoot returns the given root or the home directory.
func resolveRoot(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return homedir.Dir()
}

func (e *engine) target(root string) enumerator.ScanTarget {
	return enumerator.ScanTarget{
		Root:         root,
		ExcludeDirs:  e.cfg.ExcludeDirs,
		ExcludePaths: e.cfg.ProtectedPaths(),
	}
}

func logThreat(path string, v sampledb.FileVerdict, entry *sampledb.QuarantineEntry, isoErr error) {
	l := log.WithFields(log.Fields{
		"path":       path,
		"heuristics": strings.Join(v.Detection.Heuristics(), ","),
		"plugins":    strings.Join(v.SuspiciousVia, ","),
	})
	switch {
	case isoErr != nil:
		l.Errorf("threat could not be contained: %s", isoErr)
	case entry != nil:
		l.Warnf("threat quarantined as %s", entry.Name())
	default:
		l.Warn("threat detected")
	}
}

// scanSummary is the machine readable result printed after a scan.
type scanSummary struct {
	FilesScanned      int    `json:"files_scanned"`
	ThreatsFound      int    `json:"threats_found"`
	Elapsed           string `json:"elapsed"`
	Skipped           int    `json:"skipped,omitempty"`
	IsolationFailures int    `json:"isolation_failures,omitempty"`
	Cancelled         bool   `json:"cancelled,omitempty"`
}

func printSummary(w io.Writer, s scanner.Summary) error {
	out, err := json.Marshal(scanSummary{
		FilesScanned:      s.FilesScanned,
		ThreatsFound:      s.ThreatsFound,
		Elapsed:           s.Elapsed.Round(time.Millisecond).String(),
		Skipped:           s.Skipped,
		IsolationFailures: s.IsolationFailures,
		Cancelled:         s.Cancelled,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// scan runs a full scan of root, logging progress at most once per
// interval.
func (e *engine) scan(ctx context.Context, root string, workers int, interval time.Duration) (scanner.Summary, error) {
	e.scanLock.Lock()
	defer e.scanLock.Unlock()

	progress := make(chan scanner.Progress, 1)
	s := scanner.New(e.inspector, scanner.Options{
		Workers:  workers,
		Progress: progress,
		OnThreat: func(t scanner.Threat) {
			logThreat(t.Path, t.Verdict, t.Entry, t.IsolationErr)
		},
	})

	done := make(chan struct{})
	go func() {
		every := rate.Sometimes{Interval: interval}
		for {
			select {
			case p := <-progress:
				every.Do(func() {
					log.Infof("scan progress: %d/%d (%.0f%%)", p.Processed, p.Total, 100*p.Fraction())
				})
			case <-done:
				return
			}
		}
	}()

	log.Infof("scanning %s", root)
	sum, err := s.Scan(ctx, e.target(root))
	close(done)
	if err == nil {
		log.Infof("scan of %s finished: %d files, %d threats in %s",
			root, sum.FilesScanned, sum.ThreatsFound, sum.Elapsed)
	}
	return sum, err
}
