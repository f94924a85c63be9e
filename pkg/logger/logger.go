// Package logger builds the zap loggers used across the GojoDB page store.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line.
const ServiceName = "gojodb-pagestore"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	// Unknown levels fall back to info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or one of "stdout", "stderr" and "discard".
	OutputFile string `yaml:"output_file"`
	// Sampling caps identical messages at 100 per second after the first 100.
	// Buffer pool debug logging is per page access, so turn this on before running at debug level under load.
	Sampling bool `yaml:"sampling"`
}

// DefaultConfig logs info and above as JSON to stderr, keeping stdout free for command output.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", OutputFile: "stderr"}
}

// New creates a logger for config. It's designed to be called once at startup.
func New(config Config) (*zap.Logger, error) {
	logger, _, err := NewWithLevel(config)
	return logger, err
}

// NewWithLevel is New that also returns the level handle, so callers can change verbosity at runtime.
func NewWithLevel(config Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(config.Level))

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, level, err
	}

	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, level)
	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)
	}

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("service", ServiceName))
	return logger, level, nil
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(name string) zapcore.Level {
	level, err := zapcore.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "discard":
		return zapcore.AddSync(io.Discard), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
