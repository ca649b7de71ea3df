package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the drgn-index configuration file. Command-line flags
// override it.
type Config struct {
	// LogLevel sets the logging level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// Pretty enables human-readable console logging.
	Pretty bool `yaml:"pretty"`
	// Workers bounds the indexing worker count; 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`

	// Index selects the indexed entity kinds.
	Index struct {
		Types       bool `yaml:"types"`
		Variables   bool `yaml:"variables"`
		Enumerators bool `yaml:"enumerators"`
		Functions   bool `yaml:"functions"`
	} `yaml:"index"`

	// Paths are ELF files indexed in addition to the command-line
	// arguments.
	Paths []string `yaml:"paths"`
}

// DefaultConfig returns the built-in defaults: everything indexed,
// info-level pretty logging.
func DefaultConfig() Config {
	var cfg Config
	cfg.LogLevel = "info"
	cfg.Pretty = true
	cfg.Index.Types = true
	cfg.Index.Variables = true
	cfg.Index.Enumerators = true
	cfg.Index.Functions = true
	return cfg
}

// LoadConfig reads the config file at path layered over the defaults.
// An empty path falls back to the DRGN_INDEX_CONFIG environment
// variable; if neither is set, the defaults are returned.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("DRGN_INDEX_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
