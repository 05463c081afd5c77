// Nightguard
// Copyright (c) 2025, DCSO GmbH

// Package quarantine moves flagged files into an isolation directory and
// keeps an audit trail of every isolation.
package quarantine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DCSO/nightguard/sampledb"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const maxCollisionSuffix = 100000

// IsolationError is returned when a file could not be moved into
// quarantine. The original file is left in place.
type IsolationError struct {
	Path string
	Op   string
	Err  error
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("quarantine %s: %s: %s", e.Path, e.Op, e.Err)
}

func (e *IsolationError) Unwrap() error {
	return e.Err
}

// Index persists quarantine records. *sampledb.DB implements it.
type Index interface {
	PutQuarantineEntry(sampledb.QuarantineEntry) error
	GetQuarantineEntry(name string) (sampledb.QuarantineEntry, error)
	DeleteQuarantineEntry(name string) error
	QuarantineEntries() ([]sampledb.QuarantineEntry, error)
}

// Manager owns the quarantine directory.
type Manager struct {
	Dir   string
	audit *AuditLog
	index Index
	l     *log.Entry
}

// NewManager returns a Manager isolating into dir. audit and index are
// optional.
func NewManager(dir string, audit *AuditLog, index Index) *Manager {
	return &Manager{
		Dir:   dir,
		audit: audit,
		index: index,
		l:     log.WithFields(log.Fields{"component": "quarantine"}),
	}
}

func (m *Manager) ensureDir() error {
	// MkdirAll does not fail if the directory already exists, which makes
	// concurrent creation safe
	return os.MkdirAll(m.Dir, 0700)
}

// reserve atomically creates an empty placeholder for a free destination
// name derived from base.
func (m *Manager) reserve(base string) (*os.File, string, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	for i := 0; i < maxCollisionSuffix; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		dest := filepath.Join(m.Dir, name)
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			return f, dest, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free name for %s", base)
}

func (m *Manager) fail(path, op string, err error) error {
	ierr := &IsolationError{Path: path, Op: op, Err: err}
	m.l.Warn(ierr)
	if aerr := m.audit.Append("isolation failed: %s (%s: %s)", path, op, err); aerr != nil {
		m.l.Errorf("could not write audit record: %s", aerr)
	}
	return ierr
}

// Isolate moves the file at path into the quarantine directory. The
// destination is named after the original file; on collision an
// incrementing suffix is inserted before the extension. The file is renamed
// when possible and copied then deleted otherwise. The entry is only
// returned once the original is gone; on any error the original stays in
// place and no partial copy is left behind.
func (m *Manager) Isolate(path string) (sampledb.QuarantineEntry, error) {
	var entry sampledb.QuarantineEntry

	fi, err := os.Lstat(path)
	if err != nil {
		return entry, m.fail(path, "stat", err)
	}
	if !fi.Mode().IsRegular() {
		return entry, m.fail(path, "stat", errors.New("not a regular file"))
	}
	if err = m.ensureDir(); err != nil {
		return entry, m.fail(path, "mkdir", err)
	}

	placeholder, dest, err := m.reserve(filepath.Base(path))
	if err != nil {
		return entry, m.fail(path, "reserve", err)
	}
	placeholder.Close()

	if err = os.Rename(path, dest); err != nil {
		m.l.Debugf("rename %s failed (%s), falling back to copy", path, err)
		if err = copyThenDelete(path, dest); err != nil {
			os.Remove(dest)
			return entry, m.fail(path, "move", err)
		}
	}
	if err = os.Chmod(dest, 0600); err != nil {
		m.l.Debugf("could not restrict mode of %s: %s", dest, err)
	}

	entry = sampledb.QuarantineEntry{
		ID:           uuid.NewString(),
		OriginalPath: path,
		Destination:  dest,
		Time:         time.Now().UTC(),
		Size:         fi.Size(),
		Sha256:       fileSha256(dest),
	}
	if err = m.audit.Append("isolated %s -> %s", path, entry.Name()); err != nil {
		m.l.Errorf("could not write audit record: %s", err)
	}
	if m.index != nil {
		if err = m.index.PutQuarantineEntry(entry); err != nil {
			m.l.Errorf("could not index quarantine entry %s: %s", entry.Name(), err)
		}
	}
	m.l.Infof("isolated %s -> %s", path, dest)
	return entry, nil
}

// copyThenDelete copies src into the already reserved dst and removes src.
// The copy is synced before the original is deleted.
func copyThenDelete(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}

func fileSha256(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// List returns the quarantined samples. Without an index the directory
// contents are listed instead.
func (m *Manager) List() ([]sampledb.QuarantineEntry, error) {
	if m.index != nil {
		return m.index.QuarantineEntries()
	}
	files := []sampledb.QuarantineEntry{}
	dirents, err := os.ReadDir(m.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, err
	}
	for _, d := range dirents {
		if !d.Type().IsRegular() {
			continue
		}
		e := sampledb.QuarantineEntry{Destination: filepath.Join(m.Dir, d.Name())}
		if fi, err := d.Info(); err == nil {
			e.Size = fi.Size()
			e.Time = fi.ModTime().UTC()
		}
		files = append(files, e)
	}
	return files, nil
}

func (m *Manager) sample(name string) (string, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid quarantine name %q", name)
	}
	p := filepath.Join(m.Dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("quarantine file not found: %s", name)
	}
	return p, nil
}

// Restore moves a quarantined sample back out. If dest is empty the
// original location recorded in the index is used. Existing files are never
// overwritten.
func (m *Manager) Restore(name, dest string) (string, error) {
	src, err := m.sample(name)
	if err != nil {
		return "", err
	}
	if dest == "" {
		if m.index == nil {
			return "", errors.New("no destination given and no index available")
		}
		e, err := m.index.GetQuarantineEntry(name)
		if err != nil {
			return "", fmt.Errorf("no record for %s: %w", name, err)
		}
		dest = e.OriginalPath
	}
	if err = os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("cannot restore to %s: %w", dest, err)
	}
	f.Close()
	if err = os.Rename(src, dest); err != nil {
		if err = copyThenDelete(src, dest); err != nil {
			os.Remove(dest)
			return "", err
		}
	}
	if m.index != nil {
		if err = m.index.DeleteQuarantineEntry(name); err != nil {
			m.l.Warnf("could not drop index record %s: %s", name, err)
		}
	}
	if err = m.audit.Append("restored %s -> %s", name, dest); err != nil {
		m.l.Errorf("could not write audit record: %s", err)
	}
	m.l.Infof("restored %s -> %s", name, dest)
	return dest, nil
}

// Purge permanently deletes a quarantined sample.
func (m *Manager) Purge(name, reason string) error {
	p, err := m.sample(name)
	if err != nil {
		return err
	}
	if err = os.Remove(p); err != nil {
		return err
	}
	if m.index != nil {
		if err = m.index.DeleteQuarantineEntry(name); err != nil {
			m.l.Warnf("could not drop index record %s: %s", name, err)
		}
	}
	if err = m.audit.Append("purged %s (%s)", name, reason); err != nil {
		m.l.Errorf("could not write audit record: %s", err)
	}
	return nil
}
