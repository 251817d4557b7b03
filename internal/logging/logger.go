// Package logging builds the zap logger shared by the server and the
// viewer CLI.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// New returns a logger at the given level ("debug", "info", "warn",
// "error"). Development mode uses the console encoder with caller and
// stack information; otherwise output is JSON.
func New(level string, development bool) (*zap.Logger, error) {
	atomic, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = atomic

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

// ParseLevel turns a level name into an AtomicLevel. An empty name means
// info.
func ParseLevel(level string) (zap.AtomicLevel, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zap.NewAtomicLevelAt(zap.InfoLevel), nil
	}
	l, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}
