// Package errs holds the error types shared by every stage of a pack build.
// Stage-specific errors (dependency cycles, override conflicts, transform
// failures) live next to the code that raises them.
package errs

import (
	"fmt"
)

// ConfigError reports a malformed pack descriptor, pattern or build setting.
// It is always raised before any asset is processed.
type ConfigError struct {
	Subject string // what was being configured, e.g. `pack "base" include pattern`
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Subject, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func Config(subject string, err error) error {
	return &ConfigError{Subject: subject, Err: err}
}

// IOError reports a read or write failure on a concrete path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func IO(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}
