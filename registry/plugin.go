// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

package registry

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// AnalysisPlugins is the iterable collection of all active plugins
var AnalysisPlugins []AnalysisPlugin

// AnalysisPlugin defines the high level functions every analysis plugin has
// to provide. ProcessFile returns an optional JSON reason and whether the
// plugin considers the sample suspicious. ProcessFile may be called from
// several goroutines at once.
type AnalysisPlugin interface {
	Name() string
	ReInitialize() error
	ProcessFile(FileSample) (string, bool, error)
}

// RegisterAnalysisPlugin makes an analysis plugin available for usage
func RegisterAnalysisPlugin(p AnalysisPlugin) {
	AnalysisPlugins = append(AnalysisPlugins, p)
}

// ReInitializePlugins calls ReInitialize on every plugin. Plugins failing to
// initialize are logged and stay registered; their later errors are ignored
// by the Inspector.
func ReInitializePlugins(plugins []AnalysisPlugin) {
	for _, p := range plugins {
		if err := p.ReInitialize(); err != nil {
			log.Errorf("error initializing plugin [%s]: %s", p.Name(), err)
			continue
		}
		log.Debugf("initialized plugin [%s]", p.Name())
	}
}

// FileSample is the struct passed to every plugin to handle the sample
type FileSample struct {
	FD     uintptr
	Info   os.FileInfo
	Path   string
	Window []byte
}
