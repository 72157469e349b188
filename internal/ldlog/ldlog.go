// Package ldlog builds the single zap logger shared by every linker
// component, replacing the teacher's scattered
// `if VerboseMode { fmt.Fprintf(os.Stderr, ...) }` calls with structured,
// leveled logging.
package ldlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger writing to stderr. Verbose selects debug
// level (equivalent to the teacher's VerboseMode) over info level.
func New(verbose bool) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		// Logger construction only fails on malformed static config; fall
		// back to a no-op logger rather than panicking the linker.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// Component returns base named name (a fresh non-verbose logger when base
// is nil). No package in this module calls it; components log through
// linkctx.Context.Log as is.
func Component(base *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if base == nil {
		return New(false).Named(name)
	}
	return base.Named(name)
}
