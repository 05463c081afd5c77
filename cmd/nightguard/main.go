// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"errors"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/DCSO/nightguard/registry"

	// Plugins are registered using the following imports
	_ "github.com/DCSO/nightguard/plugins/magicscanner"
	_ "github.com/DCSO/nightguard/plugins/yarascanner"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const (
	exitSetup       = 1
	exitUncontained = 3
)

// errUncontained is returned by commands when a detected threat could not be
// moved into quarantine.
var errUncontained = errors.New("detected threats could not be contained")

var (
	// initLock is a mutex protecting the critical section of plugin reloading
	initLock sync.Mutex
)

// options collects the flags shared by all commands.
type options struct {
	configFile     string
	logPath        string
	verbose        bool
	logJSON        bool
	profileFile    string
	profSrv        bool
	dummy          bool
	amqpURI        string
	amqpExchange   string
	amqpUser       string
	amqpPass       string
	uploadEndpoint string
	uploadAccess   string
	uploadSecret   string
	uploadBucket   string
	uploadRegion   string
	uploadScratch  string
	uploadSSL      bool

	logFile *os.File
	profile *os.File
}

// InitializePlugins calls the plugins' ReInitialize functions to give them a
// chance to prepare their matching engines.
func InitializePlugins() {
	initLock.Lock()
	registry.ReInitializePlugins(registry.AnalysisPlugins)
	log.Infof("[%v] plugins successfully initialized", len(registry.AnalysisPlugins))
	initLock.Unlock()
}

func (o *options) setupLogging() error {
	if o.logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if o.verbose {
		log.SetLevel(log.DebugLevel)
		log.Debug("verbose log output enabled")
	}
	if o.logPath == "" {
		return nil
	}
	if _, err := os.Stat(o.logPath); os.IsNotExist(err) {
		log.Infof("Log directory %s does not exist, trying to create it", o.logPath)
		if err = os.MkdirAll(o.logPath, 0755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(filepath.Join(o.logPath, "nightguard.log"),
		os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	o.logFile = f
	log.SetOutput(f)
	return nil
}

func (o *options) teardown() {
	if o.profile != nil {
		pprof.StopCPUProfile()
		o.profile.Close()
		o.profile = nil
	}
	if o.logFile != nil {
		log.SetOutput(os.Stderr)
		o.logFile.Close()
		o.logFile = nil
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "nightguard",
		Short:         "Heuristic file threat detection and quarantine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := o.setupLogging(); err != nil {
				return err
			}
			if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
				log.Warnf("could not set GOMAXPROCS: %s", err)
			}
			if o.profileFile != "" {
				f, err := os.Create(o.profileFile)
				if err != nil {
					return err
				}
				if err = pprof.StartCPUProfile(f); err != nil {
					f.Close()
					return err
				}
				o.profile = f
			}
			if o.profSrv {
				go func() {
					log.Println(http.ListenAndServe("localhost:6060", nil))
				}()
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			o.teardown()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.configFile, "config", "", "Config file (default is $HOME/.nightguard.yaml)")
	pf.StringVar(&o.logPath, "log", "", "Directory for the nightguard log file (default: log to stderr)")
	pf.BoolVar(&o.verbose, "verbose", false, "Verbose output")
	pf.BoolVar(&o.logJSON, "logjson", false, "JSON log output")
	pf.StringVar(&o.profileFile, "proffile", "", "Dump profiling information to file")
	pf.BoolVar(&o.profSrv, "profsrv", false, "Enable profiling server on port 6060")

	pf.String("quarantine-dir", "", "Directory receiving isolated files")
	pf.String("audit-log", "", "Path of the quarantine audit log")
	pf.String("data-dir", "", "Directory for the verdict database")
	pf.Int("workers", 0, "Number of concurrently inspected files (default: GOMAXPROCS)")
	pf.Int("window-size", 0, "Number of bytes read from the head of each file")
	pf.Float64("entropy-threshold", 0, "Entropy (bits per byte) above which a file is suspicious")
	pf.Duration("debounce", 0, "Window in which repeated events for a file are coalesced")

	pf.BoolVar(&o.dummy, "dummy", false, "Log verdicts instead of submitting to AMQP")
	pf.StringVar(&o.amqpURI, "amqpuri", "", "Endpoint and port for the AMQP connection, e.g. localhost:5672")
	pf.StringVar(&o.amqpExchange, "amqpexch", "nightguard", "Exchange to post messages to")
	pf.StringVar(&o.amqpUser, "amqpuser", "sensor", "User name for the AMQP connection")
	pf.StringVar(&o.amqpPass, "amqppass", "sensor", "Password for the AMQP connection")

	pf.StringVar(&o.uploadEndpoint, "uploadendpoint", "", "Endpoint for quarantined sample S3 upload")
	pf.StringVar(&o.uploadAccess, "uploadaccesskey", "", "Access key for S3 upload")
	pf.StringVar(&o.uploadSecret, "uploadsecretaccesskey", "", "Secret access key for S3 upload")
	pf.StringVar(&o.uploadBucket, "uploadbucket", "", "Bucket name for S3 upload")
	pf.StringVar(&o.uploadRegion, "uploadregion", "", "Region for S3 upload")
	pf.StringVar(&o.uploadScratch, "uploadscratchdir", "", "Temp directory for S3 upload (default: inside data-dir)")
	pf.BoolVar(&o.uploadSSL, "uploadssl", false, "Use SSL for S3 upload")

	// flags registered by plugins and the janitor
	pf.AddGoFlagSet(flag.CommandLine)

	root.AddCommand(newScanCmd(o), newWatchCmd(o), newQuarantineCmd(o))
	return root
}

func main() {
	err := newRootCmd().Execute()
	switch {
	case err == nil:
	case errors.Is(err, errUncontained):
		log.Error(err)
		os.Exit(exitUncontained)
	default:
		log.Error(err)
		os.Exit(exitSetup)
	}
}
