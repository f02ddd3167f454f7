package config

import (
	"path/filepath"

	"cpterm/internal/logging"
)

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
	File   string `yaml:"file"`   // name inside <host dir>/logs; empty disables the file
	Stderr bool   `yaml:"stderr"` // also log to stderr
}

// Options converts the section into logging options rooted at hostDir.
// verbose forces debug level.
func (c LoggingConfig) Options(hostDir string, verbose bool) logging.Options {
	opts := logging.Options{
		File:   c.File,
		Level:  c.Level,
		Format: c.Format,
		Stderr: c.Stderr,
	}
	if c.File != "" {
		opts.Dir = filepath.Join(hostDir, "logs")
	}
	if verbose {
		opts.Level = "debug"
	}
	return opts
}
