// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

// Package registry - Reference: http://stackoverflow.com/questions/28001872/golang-events-eventemitter-dispatcher-for-plugin-architecture
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/DCSO/nightguard/detection"
	"github.com/DCSO/nightguard/sampledb"
	"github.com/DCSO/nightguard/submitter"

	log "github.com/sirupsen/logrus"
)

// DefaultRescanTimeframe is how long a cached plugin result stays valid.
const DefaultRescanTimeframe = 72 * time.Hour

// ErrNotRegular is returned for candidates that are not regular files.
var ErrNotRegular = errors.New("not a regular file")

// Isolator moves a flagged file out of reach. *quarantine.Manager
// implements it.
type Isolator interface {
	Isolate(path string) (sampledb.QuarantineEntry, error)
}

// Mirror takes a copy of a quarantined sample, e.g. for upload to S3, and
// reports the verdict once done. *uploader.Uploader implements it.
type Mirror interface {
	Enqueue(verdict sampledb.FileVerdict, localpath string) error
}

// Outcome is the result of processing a single candidate.
type Outcome struct {
	Verdict      sampledb.FileVerdict
	Entry        *sampledb.QuarantineEntry
	IsolationErr error
}

// Threat reports whether the candidate was classified as suspicious.
func (o Outcome) Threat() bool {
	return o.Verdict.Suspicious
}

// Inspector processes candidate files: it classifies a sample window with the
// detection pipeline, runs the analysis plugins, isolates positives and
// publishes the resulting verdict. It is safe for concurrent use and shared by
// batch scans and the watch coordinator. Only Pipeline is required.
type Inspector struct {
	Pipeline        *detection.Pipeline
	Plugins         []AnalysisPlugin
	DB              *sampledb.DB
	Submitter       submitter.Submitter
	Quarantine      Isolator
	Mirror          Mirror
	RescanTimeframe time.Duration
	l               *log.Entry
}

// NewInspector returns an Inspector using the given pipeline and all
// registered analysis plugins.
func NewInspector(p *detection.Pipeline) *Inspector {
	return &Inspector{
		Pipeline:        p,
		Plugins:         AnalysisPlugins,
		RescanTimeframe: DefaultRescanTimeframe,
		l:               log.WithFields(log.Fields{"component": "inspector"}),
	}
}

func (ins *Inspector) logger() *log.Entry {
	if ins.l == nil {
		return log.WithFields(log.Fields{"component": "inspector"})
	}
	return ins.l
}

// needHashes is true if anything downstream of the verdict uses the digests.
func (ins *Inspector) needHashes() bool {
	return ins.DB != nil || ins.Submitter != nil || ins.Mirror != nil
}

// cached returns a still valid cached verdict for the given digest.
func (ins *Inspector) cached(sha512, path string) (sampledb.FileVerdict, bool) {
	if ins.DB == nil || sha512 == "" {
		return sampledb.FileVerdict{}, false
	}
	se, err := ins.DB.GetVerdict(sha512, path)
	if err != nil {
		if !errors.Is(err, sampledb.ErrNotFound) {
			ins.logger().Warnf("verdict cache lookup failed: %s", err)
		}
		return se, false
	}
	if time.Now().UTC().Sub(se.Time) >= ins.RescanTimeframe {
		return se, false
	}
	return se, true
}

// runPlugins iterates over the plugins and lets them do their analysis. If
// they find something suspicious they should return a non empty reason.
// Plugin errors are logged and ignored.
func (ins *Inspector) runPlugins(sample FileSample, verdict *sampledb.FileVerdict) {
	for _, plug := range ins.Plugins {
		output, pluginSuspicious, anaErr := plug.ProcessFile(sample)
		if anaErr != nil {
			ins.logger().Errorf("plugin (%s) error processing file %s: %s", plug.Name(), sample.Path, anaErr)
			continue
		}
		if output != "" {
			var result interface{}
			if anaErr = json.Unmarshal([]byte(output), &result); anaErr != nil {
				ins.logger().Errorf("error in plugin return data %v: %v", plug.Name(), anaErr)
				continue
			}
			verdict.Reasons[plug.Name()] = result
		}
		if pluginSuspicious {
			verdict.SuspiciousVia = append(verdict.SuspiciousVia, plug.Name())
		}
	}
}

// Process inspects the file at path. Errors mean the candidate could not be
// examined and was skipped; a failed isolation is not an error but reported
// in Outcome.IsolationErr.
func (ins *Inspector) Process(ctx context.Context, path string) (Outcome, error) {
	var out Outcome

	fi, err := os.Lstat(path)
	if err != nil {
		return out, err
	}
	if !fi.Mode().IsRegular() {
		return out, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}

	window, err := ins.Pipeline.ReadSample(ctx, path)
	if err != nil {
		return out, err
	}
	det := ins.Pipeline.Classify(window, filepath.Ext(path))

	verdict := sampledb.FileVerdict{
		Detection:     det,
		Reasons:       make(map[string]interface{}),
		SuspiciousVia: make([]string, 0),
		SensorID:      submitter.SensorID,
		Time:          time.Now().UTC(),
		Filename:      path,
		Size:          fi.Size(),
	}

	var sample *os.File
	if ins.needHashes() || len(ins.Plugins) > 0 {
		sample, err = os.Open(path)
		if err != nil {
			return out, err
		}
		defer sample.Close()
	}

	// the window has been classified, so a failed hash only costs the cache
	// and the digests in the report
	hashTimedOut := false
	if ins.needHashes() {
		verdict.Hashes, err = ins.hashSample(ctx, sample)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			ins.logger().Warnf("could not hash %s: %s", path, err)
			verdict.Hashes = sampledb.HashInfo{}
			hashTimedOut = errors.Is(err, context.DeadlineExceeded)
		}
	}

	// Plugin findings for identical content under the same extension are
	// reused within the rescan timeframe. The heuristics above always run.
	if se, ok := ins.cached(verdict.Hashes.Sha512, path); ok {
		ins.logger().Debug("sample already processed: ", path)
		verdict.Cached = true
		verdict.Time = se.Time
		if se.Reasons != nil {
			verdict.Reasons = se.Reasons
		}
		if se.SuspiciousVia != nil {
			verdict.SuspiciousVia = se.SuspiciousVia
		}
	} else if hashTimedOut && len(ins.Plugins) > 0 {
		ins.logger().Warnf("not running plugins on %s, file is not readable in time", path)
	} else if len(ins.Plugins) > 0 {
		ins.runPlugins(FileSample{
			FD:     sample.Fd(),
			Info:   fi,
			Path:   path,
			Window: window,
		}, &verdict)
	}
	verdict.Suspicious = det.IsThreat() || len(verdict.SuspiciousVia) > 0

	if verdict.Suspicious {
		ins.logger().WithFields(log.Fields{
			"heuristics": det.Heuristics(),
			"plugins":    verdict.SuspiciousVia,
		}).Warnf("suspicious file: %s", path)
		if sample != nil {
			// release the descriptor before the file is moved away
			sample.Close()
		}
		if ins.Quarantine != nil {
			entry, ierr := ins.Quarantine.Isolate(path)
			if ierr != nil {
				out.IsolationErr = ierr
			} else {
				out.Entry = &entry
				verdict.Quarantined = true
				verdict.QuarantinePath = entry.Destination
			}
		}
	}

	if ins.DB != nil && !verdict.Cached && verdict.Hashes.Sha512 != "" {
		if err = ins.DB.PutVerdict(verdict); err != nil {
			ins.logger().Warnf("could not cache verdict for %s: %s", path, err)
		}
	}

	// Benign cache hits were already reported when first seen.
	if !verdict.Cached || verdict.Suspicious {
		ins.publish(verdict, out.Entry)
	}

	out.Verdict = verdict
	return out, nil
}

// publish sends the verdict on, possibly together with the quarantined file.
// Failures are logged only; the file has been handled either way.
func (ins *Inspector) publish(verdict sampledb.FileVerdict, entry *sampledb.QuarantineEntry) {
	if ins.Mirror != nil && entry != nil && verdict.Hashes.Sha512 != "" {
		// in this case the uploader will handle submitting the verdict
		// after adding the uploaded file location
		if err := ins.Mirror.Enqueue(verdict, entry.Destination); err != nil {
			ins.logger().Errorf("could not enqueue %s for upload: %s", entry.Destination, err)
		}
		return
	}
	if ins.Submitter == nil {
		return
	}
	msg, err := json.Marshal(verdict)
	if err != nil {
		ins.logger().Error(err)
		return
	}
	if err = ins.Submitter.Submit(msg); err != nil {
		ins.logger().Warnf("could not submit verdict for %s: %s", verdict.Filename, err)
	}
}
