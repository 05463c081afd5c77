// Nightguard
// Copyright (c) 2025, DCSO GmbH

package quarantine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// AuditLog is an append-only, line-oriented log of isolation events. Each
// record is written as one complete line `[RFC3339] message` and synced
// before Append returns.
type AuditLog struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewAuditLog returns an AuditLog writing to path. The parent directory is
// created on first write.
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the location of the log file.
func (a *AuditLog) Path() string {
	return a.path
}

// Append writes one record. Writers in this process are serialized by a
// mutex, other processes sharing the log by a lock file.
func (a *AuditLog) Append(format string, args ...interface{}) error {
	if a == nil {
		return nil
	}
	msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", " ")
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format(time.RFC3339), msg)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0700); err != nil {
		return err
	}
	if err := a.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock audit log %s: %w", a.path, err)
	}
	defer a.lock.Unlock()

	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	if _, err = f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
