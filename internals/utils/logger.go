package utils

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger   *zap.Logger
	loggerMu sync.Mutex
)

// NewLogger builds a zap logger. "json" selects the production encoder, any
// other format the human-readable development one. Unknown levels fall back
// to info.
func NewLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Named("plaza"), nil
}

// InitLogger builds the process-wide logger returned by GetLogger.
func InitLogger(level, format string) (*zap.Logger, error) {
	l, err := NewLogger(level, format)
	if err != nil {
		return nil, err
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	return l, nil
}

func GetLogger() *zap.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		// Fallback logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
