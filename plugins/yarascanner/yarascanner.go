// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

// Package yarascanner registers an analysis plugin matching candidates
// against compiled YARA rules. Import it for its side effect.
package yarascanner

import (
	"flag"
	"sync"
	"time"

	"github.com/DCSO/nightguard/registry"

	"github.com/hillu/go-yara/v4"
	log "github.com/sirupsen/logrus"
)

var (
	ruleFile = flag.String("rule-file", "", "Path for compiled YARA rule file")
	ruleURI  = flag.String("rule-uri", "", "Download URL for compiled YARA rules")
	ruleXZ   = flag.Bool("rule-xz", false, "YARA rules are XZ compressed")
	yLogger  = log.WithFields(log.Fields{"plugin": "YARA"})
)

const scanTimeout = 20 * time.Second

func init() {
	registry.RegisterAnalysisPlugin(&Scanner{})
}

// Scanner is the helper struct to implement the registry interface. Without
// configured rules it reports nothing.
type Scanner struct {
	mu    sync.RWMutex
	rules *yara.Rules
}

// Name returns the plugin name
func (y *Scanner) Name() string { return "YARA" }

// ReInitialize loads the yara rules either from file or url. The previous
// rules stay active if loading fails.
func (y *Scanner) ReInitialize() error {
	if *ruleFile == "" && *ruleURI == "" {
		yLogger.Debug("no YARA rules configured")
		return nil
	}
	rules, err := loadRules(*ruleFile, *ruleURI, *ruleXZ)
	if err != nil {
		return err
	}
	y.mu.Lock()
	old := y.rules
	y.rules = rules
	y.mu.Unlock()
	if old != nil {
		old.Destroy()
	}
	return nil
}

// ProcessFile is the main scanning routine
func (y *Scanner) ProcessFile(sample registry.FileSample) (string, bool, error) {
	var matchRules yara.MatchRules

	y.mu.RLock()
	defer y.mu.RUnlock()
	if y.rules == nil {
		return "", false, nil
	}

	err := y.rules.ScanFileDescriptor(sample.FD, yara.ScanFlags(yara.ScanFlagsFastMode), scanTimeout, &matchRules)
	if err != nil {
		return "", false, err
	}
	if len(matchRules) == 0 {
		yLogger.Debug("Processed file: ", sample.Path)
		return "", false, nil
	}

	reason, err := matchToResults(matchRules)
	if err != nil {
		return "", false, err
	}
	yLogger.Warningf("Matches for file %v found", sample.Path)
	return reason, true, nil
}
