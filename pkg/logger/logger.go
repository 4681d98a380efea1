// Package logger owns the process-wide zap logger. Until Init runs every call is a no-op.
package logger

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	current atomic.Pointer[zap.Logger]
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	current.Store(zap.NewNop())
}

// Options controls how Init builds the logger.
type Options struct {
	Level   string // debug, info, warn or error; empty means info
	Format  string // json (default) or console
	Service string
}

// Init builds a production logger from opts and installs it. An unknown level or
// format is an error so a typo in config fails start-up.
func Init(opts Options) error {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return fmt.Errorf("logger: unknown format %q", opts.Format)
	}

	built, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("logger: build: %w", err)
	}
	if service := strings.TrimSpace(opts.Service); service != "" {
		built = built.With(zap.String("service", service))
	}

	level.SetLevel(lvl)
	Replace(built)
	return nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return lvl, fmt.Errorf("logger: unknown level %q", name)
	}
	return lvl, nil
}

// SetLevel changes the level of a logger built by Init without rebuilding it.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

// Replace installs l as the process logger. nil installs a no-op logger.
func Replace(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
}

// Logger returns the process logger.
func Logger() *zap.Logger {
	return current.Load()
}

// WithModule returns a child logger tagged with module.
func WithModule(module string) *zap.Logger {
	return Logger().With(zap.String("module", module))
}

// Sync flushes buffered entries.
func Sync() error {
	return Logger().Sync()
}
