package worker

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// rawPoolConfig mirrors PoolConfig for YAML decoding: Stream and
// Marshaller are read as their lowercase policy-table names (spec
// §4.8's `stream = socket | pipe | auto`, `marshaller = flat |
// storable`) rather than as raw ints, and Setup/KeepSignals beyond the
// boolean are not YAML-expressible (fd/env plumbing is a Go-level
// concern), matching LoopConfig's `yaml:"-"` treatment of its own
// non-serializable field.
type rawPoolConfig struct {
	Workers     int    `yaml:"workers"`
	Stream      string `yaml:"stream"`
	Marshaller  string `yaml:"marshaller"`
	ExitOnDie   bool   `yaml:"exit_on_die"`
	KeepSignals bool   `yaml:"keep_signals"`
}

// LoadPoolConfig parses a PoolConfig from YAML, defaulting any field the
// document omits to DefaultPoolConfig's value.
func LoadPoolConfig(r io.Reader) (PoolConfig, error) {
	cfg := DefaultPoolConfig()

	var raw rawPoolConfig
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return cfg, nil
		}
		return PoolConfig{}, fmt.Errorf("worker: decode pool config: %w", err)
	}

	if raw.Workers > 0 {
		cfg.Workers = raw.Workers
	}
	switch raw.Stream {
	case "", "auto":
	case "socket":
		cfg.Stream = StreamSocket
	case "pipe":
		cfg.Stream = StreamPipe
	default:
		return PoolConfig{}, fmt.Errorf("worker: unknown stream mode %q", raw.Stream)
	}
	switch raw.Marshaller {
	case "", "flat":
	case "storable":
		cfg.Marshaller = MarshalStorable
	default:
		return PoolConfig{}, fmt.Errorf("worker: unknown marshaller %q", raw.Marshaller)
	}
	cfg.ExitOnDie = raw.ExitOnDie
	cfg.KeepSignals = raw.KeepSignals

	return cfg, nil
}

// LoadPoolConfigFile opens path and parses it as a PoolConfig document.
func LoadPoolConfigFile(path string) (PoolConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return PoolConfig{}, err
	}
	defer f.Close()
	return LoadPoolConfig(f)
}
