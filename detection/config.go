// Nightguard
// Copyright (c) 2025, DCSO GmbH

package detection

import (
	"strings"
	"time"
)

const (
	// DefaultWindowSize is the number of bytes read from the head of a file.
	DefaultWindowSize = 32 * 1024
	// DefaultEntropyThreshold is the Shannon entropy (bits per byte) above
	// which a sample is considered packed or encrypted.
	DefaultEntropyThreshold = 7.5
	// DefaultReadTimeout bounds a single sample read.
	DefaultReadTimeout = 30 * time.Second
)

// Config holds the static heuristic tables consumed by a Pipeline.
type Config struct {
	// Signatures are known-malicious substrings, matched case-insensitively.
	Signatures []string
	// ExecutableMagic maps a format name to the two leading bytes of that
	// format.
	ExecutableMagic map[string][]byte
	// ExecutableExtensions lists extensions (with leading dot) that are
	// expected to hold executables. The empty string allows extensionless
	// files.
	ExecutableExtensions []string
	EntropyThreshold     float64
	WindowSize           int
	ReadTimeout          time.Duration
}

// DefaultConfig returns the built-in heuristic tables.
func DefaultConfig() Config {
	return Config{
		Signatures: []string{
			"/dev/tcp/",
			"bash -i >&",
			"nc -e /bin/sh",
			"ncat -e",
			"mkfifo /tmp/",
			"| sh",
			"|sh",
			"| bash",
			"rm -rf /",
			"chmod 777 /",
			"eval(base64_decode(",
			"eval(gzinflate(",
			"python -c 'import socket",
			"powershell -enc",
			"powershell -nop -w hidden",
			"invoke-expression",
			"downloadstring(",
			"virtualallocex",
			"writeprocessmemory",
			"createremotethread",
			"setuid(0)",
			"adjusttokenprivileges",
		},
		ExecutableMagic: map[string][]byte{
			"PE":       {0x4D, 0x5A},
			"ELF":      {0x7F, 0x45},
			"Mach-O":   {0xCF, 0xFA},
			"Mach-O32": {0xCE, 0xFA},
			"Mach-OBE": {0xFE, 0xED},
		},
		ExecutableExtensions: []string{
			"", ".exe", ".dll", ".sys", ".com", ".msi", ".scr", ".bin",
			".sh", ".run", ".elf", ".so", ".o", ".out", ".dylib",
		},
		EntropyThreshold: DefaultEntropyThreshold,
		WindowSize:       DefaultWindowSize,
		ReadTimeout:      DefaultReadTimeout,
	}
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
