package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs a named sugared logger. The level defaults to info and can
// be raised to debug with RCLONEPOOL_DEBUG=1.
func New(name string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}

	if os.Getenv("RCLONEPOOL_DEBUG") != "" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return log.Named(name).Sugar(), nil
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop(name string) *zap.SugaredLogger {
	return zap.NewNop().Named(name).Sugar()
}
