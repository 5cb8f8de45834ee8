package ioasync

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// rawLoopConfig mirrors LoopConfig for YAML decoding: time.Duration has
// no native YAML representation, so SignalWaitCap is read as a
// time.ParseDuration-compatible string (e.g. "2s") and converted after
// decode, the same shadow-struct idiom the pack's manifest-loading code
// uses for duration fields.
type rawLoopConfig struct {
	SignalWaitCap string `yaml:"signal_wait_cap"`
}

// LoadLoopConfig parses a LoopConfig from YAML, defaulting any field the
// document omits to DefaultLoopConfig's value. The Logger field is never
// read from YAML (see LoopConfig's own `yaml:"-"` tag); set it on the
// returned value afterward if needed.
func LoadLoopConfig(r io.Reader) (LoopConfig, error) {
	cfg := DefaultLoopConfig()

	var raw rawLoopConfig
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return cfg, nil
		}
		return LoopConfig{}, fmt.Errorf("ioasync: decode loop config: %w", err)
	}

	if raw.SignalWaitCap != "" {
		d, err := time.ParseDuration(raw.SignalWaitCap)
		if err != nil {
			return LoopConfig{}, fmt.Errorf("ioasync: parse signal_wait_cap %q: %w", raw.SignalWaitCap, err)
		}
		cfg.SignalWaitCap = d
	}

	return cfg, nil
}

// LoadLoopConfigFile opens path and parses it as a LoopConfig document.
func LoadLoopConfigFile(path string) (LoopConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoopConfig{}, err
	}
	defer f.Close()
	return LoadLoopConfig(f)
}
