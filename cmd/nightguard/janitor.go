// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"flag"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DCSO/nightguard/quarantine"
	"github.com/DCSO/nightguard/sampledb"

	log "github.com/sirupsen/logrus"
)

var (
	// MaxAge is the maximal age of a quarantined file before it is purged.
	MaxAge = flag.Duration("maxage", 90*24*time.Hour, "max age of quarantined files before being purged")
	// MaxSpace is the space limit (in MB) of all quarantined files. The
	// oldest files will be purged once this limit is exceeded.
	MaxSpace = flag.Uint("maxspace", 2000, "max total space used for quarantined files in MB")
)

// Janitor represents a concurrent helper object that periodically checks the
// quarantine, purging either samples older than a given age or the samples
// older than the oldest sample such that the set of the samples newer than
// that one does not exceed a given space limit, whatever is more specific.
type Janitor struct {
	StopperChan      chan bool
	IsRunning        bool
	FinishNotifyChan chan bool
	Quarantine       *quarantine.Manager
	StartStopLock    sync.Mutex
	CheckTick        time.Duration
}

// MakeJanitor creates a new Janitor and emits a value on the given channel
// when it has been stopped.
func MakeJanitor(finishNotify chan bool, q *quarantine.Manager) *Janitor {
	return &Janitor{
		IsRunning:        false,
		FinishNotifyChan: finishNotify,
		Quarantine:       q,
		CheckTick:        60 * time.Second,
	}
}

type byAge []sampledb.QuarantineEntry

func (a byAge) Len() int {
	return len(a)
}

func (a byAge) Swap(i, j int) {
	a[i], a[j] = a[j], a[i]
}

// newest first
func (a byAge) Less(i, j int) bool {
	return a[i].Time.After(a[j].Time)
}

// sweep performs one retention pass and returns the number of purged
// samples.
func (w *Janitor) sweep() int {
	entries, err := w.Quarantine.List()
	if err != nil {
		log.Warn(err)
		return 0
	}
	purged := 0

	// expire old samples
	var remaining []sampledb.QuarantineEntry
	for _, e := range entries {
		timeSince := time.Since(e.Time)
		if timeSince > *MaxAge {
			if err = w.Quarantine.Purge(e.Name(), "expired"); err != nil {
				log.Warn(err)
				continue
			}
			purged++
			log.Infof("%s: older than threshold (%v), purged", e.Name(), timeSince)
			continue
		}
		remaining = append(remaining, e)
	}

	// purge oldest samples exceeding space limit
	sort.Sort(byAge(remaining))
	var sum uint64
	limit := uint64(*MaxSpace) * 1024 * 1024
	for _, e := range remaining {
		sum += uint64(e.Size)
		if sum > limit {
			if err = w.Quarantine.Purge(e.Name(), "space limit"); err != nil {
				log.Warn(err)
				continue
			}
			purged++
			log.Infof("%s: purged to reclaim space (%d bytes)", e.Name(), e.Size)
		}
	}
	return purged
}

// Run starts a Janitor on its quarantine.
func (w *Janitor) Run() error {
	w.StartStopLock.Lock()
	defer w.StartStopLock.Unlock()

	if w.IsRunning {
		return fmt.Errorf("janitor already running on %s", w.Quarantine.Dir)
	}
	w.StopperChan = make(chan bool)
	w.IsRunning = true

	go func() {
		for {
			select {
			case <-time.After(w.CheckTick):
				w.sweep()
			case <-w.StopperChan:
				close(w.FinishNotifyChan)
				return
			}
		}
	}()

	return nil
}

// Stop causes the janitor to stop limiting the contents of the quarantine.
func (w *Janitor) Stop() {
	w.StartStopLock.Lock()
	if w.IsRunning {
		w.IsRunning = false
		close(w.StopperChan)
	}
	w.StartStopLock.Unlock()
}
