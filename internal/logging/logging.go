// Package logging holds the process-wide zap logger.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once     sync.Once
	instance *zap.Logger
)

// Config selects the logger build.
type Config struct {
	// Env is "dev" or "prod". Prod logs JSON, dev logs console.
	Env string

	// Level is debug | info | warn | error.
	Level string
}

// Init builds the singleton. Idempotent: only the first call has effect.
func Init(cfg Config) {
	once.Do(func() {
		instance = build(cfg)
	})
}

// L returns the singleton, building a dev/info logger if Init was never
// called.
func L() *zap.Logger {
	if instance == nil {
		Init(Config{Env: "dev", Level: "info"})
	}
	return instance
}

// Named returns a component logger.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered entries. Call deferred from main.
func Sync() error {
	if instance != nil {
		return instance.Sync()
	}
	return nil
}

func build(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(cfg.Level); err == nil {
		level = parsed
	}

	var zc zap.Config
	if cfg.Env == "prod" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
