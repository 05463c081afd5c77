// Nightguard
// Copyright (c) 2025, DCSO GmbH

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DCSO/nightguard/detection"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
)

func withHome(t *testing.T) string {
	home, err := os.MkdirTemp("", "home")
	if err != nil {
		t.Fatal(err)
	}
	homedir.DisableCache = true
	t.Setenv("HOME", home)
	return home
}

func TestDefaults(t *testing.T) {
	home := withHome(t)
	defer os.RemoveAll(home)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.File != "" {
		t.Fatalf("unexpected config file %s", cfg.File)
	}
	if cfg.QuarantineDir != filepath.Join(home, ".nightguard", "quarantine") {
		t.Fatalf("wrong quarantine dir %s", cfg.QuarantineDir)
	}
	if cfg.WindowSize != detection.DefaultWindowSize {
		t.Fatalf("wrong window size %d", cfg.WindowSize)
	}
	if cfg.EntropyThreshold != detection.DefaultEntropyThreshold {
		t.Fatalf("wrong threshold %f", cfg.EntropyThreshold)
	}
	if cfg.RescanTimeframe != 72*time.Hour {
		t.Fatalf("wrong rescan timeframe %s", cfg.RescanTimeframe)
	}
	if len(cfg.Signatures) != len(detection.DefaultConfig().Signatures) {
		t.Fatalf("expected default signatures, got %d", len(cfg.Signatures))
	}

	dc, err := cfg.DetectionConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(dc.ExecutableMagic) != len(detection.DefaultConfig().ExecutableMagic) {
		t.Fatalf("expected default magic table, got %v", dc.ExecutableMagic)
	}
	if _, err = detection.New(dc); err != nil {
		t.Fatal(err)
	}
}

func TestConfigFile(t *testing.T) {
	home := withHome(t)
	defer os.RemoveAll(home)

	path := filepath.Join(home, "custom.yaml")
	err := os.WriteFile(path, []byte(`
quarantine_dir: ~/jail
window_size: 4096
debounce: 2s
signatures:
  - evil
executable_magic:
  zip: "0x504b"
`), 0644)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.File != path {
		t.Fatalf("wrong config file %s", cfg.File)
	}
	if cfg.QuarantineDir != filepath.Join(home, "jail") {
		t.Fatalf("home not expanded: %s", cfg.QuarantineDir)
	}
	if cfg.WindowSize != 4096 || cfg.Debounce != 2*time.Second {
		t.Fatalf("values not read: %d %s", cfg.WindowSize, cfg.Debounce)
	}
	if len(cfg.Signatures) != 1 || cfg.Signatures[0] != "evil" {
		t.Fatalf("signatures not replaced: %v", cfg.Signatures)
	}

	dc, err := cfg.DetectionConfig()
	if err != nil {
		t.Fatal(err)
	}
	if m := dc.ExecutableMagic["zip"]; len(m) != 2 || m[0] != 'P' || m[1] != 'K' {
		t.Fatalf("magic not decoded: %v", dc.ExecutableMagic)
	}
}

func TestHomeConfigFile(t *testing.T) {
	home := withHome(t)
	defer os.RemoveAll(home)

	err := os.WriteFile(filepath.Join(home, ".nightguard.yaml"), []byte("workers: 3\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 3 {
		t.Fatalf("home config not read, workers %d", cfg.Workers)
	}
}

func TestMissingConfigFile(t *testing.T) {
	home := withHome(t)
	defer os.RemoveAll(home)

	if _, err := Load(filepath.Join(home, "nope.yaml"), nil); err == nil {
		t.Fatal("explicit config file must exist")
	}
}

func TestEnvironmentAndFlags(t *testing.T) {
	home := withHome(t)
	defer os.RemoveAll(home)

	t.Setenv("NIGHTGUARD_WINDOW_SIZE", "1024")
	t.Setenv("NIGHTGUARD_AUDIT_LOG", "/var/log/nightguard-audit.log")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("quarantine-dir", "", "")
	fs.Int("workers", 0, "")
	fs.String("audit-log", "", "")
	if err := fs.Parse([]string{"--quarantine-dir", "/srv/jail", "--workers", "7"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("", fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WindowSize != 1024 {
		t.Fatalf("environment not honored, window size %d", cfg.WindowSize)
	}
	if cfg.QuarantineDir != "/srv/jail" || cfg.Workers != 7 {
		t.Fatalf("flags not honored: %s %d", cfg.QuarantineDir, cfg.Workers)
	}
	// unset flags do not shadow the environment
	if cfg.AuditLog != "/var/log/nightguard-audit.log" {
		t.Fatalf("wrong audit log %s", cfg.AuditLog)
	}
}

func TestInvalidMagic(t *testing.T) {
	for _, m := range []string{"zz", "4d", ""} {
		cfg := &Config{ExecutableMagic: map[string]string{"broken": m}}
		if _, err := cfg.DetectionConfig(); err == nil {
			t.Fatalf("magic %q accepted", m)
		}
	}
}

func TestProtectedPaths(t *testing.T) {
	cfg := &Config{QuarantineDir: "/q", DataDir: "/d", AuditLog: "/a.log"}
	paths := cfg.ProtectedPaths()
	want := []string{"/q", "/d", "/a.log", "/a.log.lock"}
	if len(paths) != len(want) {
		t.Fatalf("got %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("got %v, want %v", paths, want)
		}
	}
}
