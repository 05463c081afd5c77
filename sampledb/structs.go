// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

package sampledb

import (
	"path/filepath"
	"time"

	"github.com/DCSO/nightguard/detection"
)

// FileVerdict is the complete record produced for one inspected file: the
// heuristic verdict, plugin findings and what happened to the file.
type FileVerdict struct {
	Suspicious     bool
	SuspiciousVia  []string `json:"SuspiciousVia,omitempty"`
	Detection      detection.Verdict
	Reasons        map[string]interface{} `json:"Reasons,omitempty"`
	SensorID       string
	Time           time.Time
	Filename       string
	Size           int64
	Hashes         HashInfo
	Cached         bool `json:"-"`
	Quarantined    bool
	QuarantinePath string `json:"QuarantinePath,omitempty"`
	Uploaded       bool
	UploadLocation string `json:"UploadLocation,omitempty"`
}

// HashInfo contains file hash information for the verdict struct
type HashInfo struct {
	Md5      string
	Sha1     string
	Sha256   string
	Sha512   string
	Sha3_512 string
}

// QuarantineEntry records one file moved into isolation. Entries are never
// modified after creation.
type QuarantineEntry struct {
	ID           string
	OriginalPath string
	Destination  string
	Time         time.Time
	Size         int64
	Sha256       string `json:"Sha256,omitempty"`
}

// Name returns the file name of the quarantined sample.
func (e QuarantineEntry) Name() string {
	return filepath.Base(e.Destination)
}
