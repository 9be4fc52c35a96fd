package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger settings. Binaries fill it from config.Config.
type Config struct {
	Level string // debug, info, warn, error
	// Encoding is json or console. Empty picks console in development and
	// json elsewhere.
	Encoding   string
	OutputPath string // stdout when empty
	Service    string // reel-server or reel-worker
	Env        string
}

// ParseLevel maps a level name onto a zap level. Empty means info.
func ParseLevel(raw string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level '%s': %w", raw, err)
	}
	return level, nil
}

func encodingFor(cfg Config) string {
	switch strings.ToLower(cfg.Encoding) {
	case "json":
		return "json"
	case "console":
		return "console"
	}
	if cfg.Env == "development" {
		return "console"
	}
	return "json"
}

// New builds the process logger. Every entry carries the service and env
// fields. An invalid level falls back to info and is reported through the
// new logger.
func New(cfg Config) (*zap.Logger, error) {
	level, levelErr := ParseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	outputPath := cfg.OutputPath
	if outputPath == "" {
		outputPath = "stdout"
	}

	logger, err := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		DisableCaller:     level != zapcore.DebugLevel,
		DisableStacktrace: true,
		Encoding:          encodingFor(cfg),
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{outputPath},
		ErrorOutputPaths:  []string{"stderr"},
	}.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	fields := make([]zap.Field, 0, 2)
	if cfg.Service != "" {
		fields = append(fields, zap.String("service", cfg.Service))
	}
	if cfg.Env != "" {
		fields = append(fields, zap.String("env", cfg.Env))
	}
	logger = logger.With(fields...)

	if levelErr != nil {
		logger.Warn("Using log level info", zap.Error(levelErr))
	}
	return logger, nil
}
