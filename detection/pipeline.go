// Nightguard
// Copyright (c) 2025, DCSO GmbH

// Package detection classifies a sample window using independent heuristics
// (signature substrings, disguised executables and Shannon entropy).
package detection

import (
	"bytes"
	"fmt"
	"math"
	"sort"
)

// Verdict is the outcome of running the pipeline over one sample window.
type Verdict struct {
	SignatureHit bool    `json:"signature_hit"`
	Signature    string  `json:"signature,omitempty"`
	DisguiseHit  bool    `json:"disguise_hit"`
	Format       string  `json:"format,omitempty"`
	HighEntropy  bool    `json:"high_entropy"`
	Entropy      float64 `json:"entropy"`
	SampleSize   int     `json:"sample_size"`
}

// IsThreat is true iff at least one heuristic fired.
func (v Verdict) IsThreat() bool {
	return v.SignatureHit || v.DisguiseHit || v.HighEntropy
}

// Heuristics returns the names of the heuristics that fired.
func (v Verdict) Heuristics() []string {
	var out []string
	if v.SignatureHit {
		out = append(out, "signature")
	}
	if v.DisguiseHit {
		out = append(out, "disguise")
	}
	if v.HighEntropy {
		out = append(out, "entropy")
	}
	return out
}

type magicEntry struct {
	name  string
	magic []byte
}

// Pipeline is safe for concurrent use; it holds no mutable state after New.
type Pipeline struct {
	cfg        Config
	signatures [][]byte
	magics     []magicEntry
	allowedExt map[string]bool
}

// New prepares a Pipeline from the given tables. Missing numeric settings are
// replaced by their defaults. Magic numbers shorter than two bytes and
// entropy thresholds above 8 bits per byte are rejected.
func New(cfg Config) (*Pipeline, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.EntropyThreshold <= 0 {
		cfg.EntropyThreshold = DefaultEntropyThreshold
	}
	if cfg.EntropyThreshold > 8 {
		return nil, fmt.Errorf("entropy threshold %.2f exceeds 8 bits per byte", cfg.EntropyThreshold)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	p := &Pipeline{
		cfg:        cfg,
		allowedExt: make(map[string]bool),
	}
	for _, s := range cfg.Signatures {
		if s == "" {
			continue
		}
		p.signatures = append(p.signatures, bytes.ToLower([]byte(s)))
	}
	for name, m := range cfg.ExecutableMagic {
		if len(m) < 2 {
			return nil, fmt.Errorf("magic number for %s must have at least 2 bytes", name)
		}
		p.magics = append(p.magics, magicEntry{name: name, magic: m[:2]})
	}
	// map iteration order is random, keep format reporting stable
	sort.Slice(p.magics, func(i, j int) bool { return p.magics[i].name < p.magics[j].name })
	for _, e := range cfg.ExecutableExtensions {
		p.allowedExt[normalizeExt(e)] = true
	}
	return p, nil
}

// MustNew is like New but panics on an invalid configuration.
func MustNew(cfg Config) *Pipeline {
	p, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Classify runs all heuristics over the window. ext is the file extension
// of the candidate, with or without leading dot.
func (p *Pipeline) Classify(window []byte, ext string) Verdict {
	v := Verdict{SampleSize: len(window)}
	if len(window) == 0 {
		return v
	}
	v.Signature, v.SignatureHit = p.matchSignature(window)
	v.Format, v.DisguiseHit = p.matchDisguise(window, ext)
	v.Entropy = Entropy(window)
	v.HighEntropy = v.Entropy > p.cfg.EntropyThreshold
	return v
}

func (p *Pipeline) matchSignature(window []byte) (string, bool) {
	if len(p.signatures) == 0 {
		return "", false
	}
	lowered := bytes.ToLower(window)
	for _, sig := range p.signatures {
		if bytes.Contains(lowered, sig) {
			return string(sig), true
		}
	}
	return "", false
}

// ExecutableFormat returns the name of the executable format whose magic
// number the window starts with, or "".
func (p *Pipeline) ExecutableFormat(window []byte) string {
	if len(window) < 2 {
		return ""
	}
	for _, m := range p.magics {
		if window[0] == m.magic[0] && window[1] == m.magic[1] {
			return m.name
		}
	}
	return ""
}

func (p *Pipeline) matchDisguise(window []byte, ext string) (string, bool) {
	format := p.ExecutableFormat(window)
	if format == "" {
		return "", false
	}
	return format, !p.allowedExt[normalizeExt(ext)]
}

// Entropy computes the Shannon entropy (base 2) of the byte distribution of
// data. The result lies in [0, 8].
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	total := float64(len(data))
	var h float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		px := float64(c) / total
		h -= px * math.Log2(px)
	}
	// guard against tiny negative rounding for single-symbol input
	if h < 0 {
		return 0
	}
	if h > 8 {
		return 8
	}
	return h
}
