// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

// Package magicscanner registers an analysis plugin describing candidates
// with libmagic. It flags files libmagic recognizes as native executables
// while their name suggests otherwise. Import it for its side effect.
package magicscanner

import (
	"encoding/json"
	"flag"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/DCSO/nightguard/detection"
	"github.com/DCSO/nightguard/registry"

	log "github.com/sirupsen/logrus"
	"github.com/vimeo/go-magic/magic"
)

var (
	magicFiles = flag.String("magic-file", "", "Colon-separated list of additional magic database files")
	mLogger    = log.WithFields(log.Fields{"plugin": "magic"})

	executablePattern = regexp.MustCompile("(for MS Windows|(ELF|Mach-O).*(executable|shared object))")
)

func init() {
	registry.RegisterAnalysisPlugin(New(detection.DefaultConfig().ExecutableExtensions))
}

// Result is the reason reported for every inspected file.
type Result struct {
	Magic      string `json:"Magic"`
	Executable bool   `json:"Executable"`
}

// Scanner is the helper struct to implement the registry interface.
type Scanner struct {
	mu         sync.RWMutex
	databases  string
	allowedExt map[string]bool
}

// New returns a Scanner treating files with the given extensions as
// legitimately executable.
func New(executableExtensions []string) *Scanner {
	s := &Scanner{}
	s.SetExecutableExtensions(executableExtensions)
	return s
}

// SetExecutableExtensions replaces the extension allow-list.
func (s *Scanner) SetExecutableExtensions(exts []string) {
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		allowed[e] = true
	}
	s.mu.Lock()
	s.allowedExt = allowed
	s.mu.Unlock()
}

// Name returns the plugin name
func (s *Scanner) Name() string { return "magic" }

// ReInitialize picks up the configured magic databases.
func (s *Scanner) ReInitialize() error {
	s.mu.Lock()
	s.databases = *magicFiles
	s.mu.Unlock()
	return nil
}

// Describe returns the libmagic description for the file in the given path.
func (s *Scanner) Describe(path string) string {
	s.mu.RLock()
	databases := s.databases
	s.mu.RUnlock()

	// cookies are not safe for concurrent use, so each call gets its own
	cookie := magic.Open(magic.MAGIC_ERROR | magic.MAGIC_NONE)
	defer magic.Close(cookie)
	if ret := magic.Load(cookie, databases); ret != 0 {
		return "unknown file type"
	}
	return magic.File(cookie, path)
}

// IsExecutable checks whether a magic string describes a native executable.
func IsExecutable(desc string) bool {
	return executablePattern.MatchString(desc)
}

// ProcessFile is the main scanning routine
func (s *Scanner) ProcessFile(sample registry.FileSample) (string, bool, error) {
	desc := s.Describe(sample.Path)
	res := Result{Magic: desc, Executable: IsExecutable(desc)}
	out, err := json.Marshal(res)
	if err != nil {
		return "", false, err
	}

	s.mu.RLock()
	allowed := s.allowedExt[strings.ToLower(filepath.Ext(sample.Path))]
	s.mu.RUnlock()

	suspicious := res.Executable && !allowed
	if suspicious {
		mLogger.Warningf("%s is a %q", sample.Path, desc)
	}
	return string(out), suspicious, nil
}
