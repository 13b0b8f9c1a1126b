package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum level emitted: debug, info, warn or error.
	Level string `yaml:"level" json:"level"`

	// Encoding selects the file encoder: json or console.
	Encoding string `yaml:"encoding" json:"encoding"`

	// File is the log file path. Empty disables file output.
	File string `yaml:"file" json:"file"`

	// Rotation settings for the file sink.
	MaxSizeMB  int  `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool `yaml:"compress" json:"compress"`

	// Console mirrors output to stdout with a human-readable encoder.
	Console bool `yaml:"console" json:"console"`

	// Development enables colored levels and full caller paths.
	Development bool `yaml:"development" json:"development"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Encoding:   "json",
		File:       "",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Compress:   true,
		Console:    true,
	}
}

// New builds a logger from the configuration. The returned AtomicLevel
// can be used to change the level at runtime (config hot reload).
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	cores := []zapcore.Core{}

	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, level, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(
			buildEncoder(cfg, false),
			zapcore.AddSync(fileWriter),
			level,
		))
	}

	if cfg.Console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(
			buildEncoder(cfg, true),
			zapcore.AddSync(os.Stdout),
			level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), buildOptions(cfg)...)
	return logger, level, nil
}

// buildEncoder builds the encoder for a sink. The console sink always uses
// the console encoder; the file sink honors cfg.Encoding.
func buildEncoder(cfg Config, console bool) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if console {
		if cfg.Development {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			encoderConfig.EncodeCaller = zapcore.FullCallerEncoder
		} else {
			encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	if cfg.Encoding == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func buildOptions(cfg Config) []zap.Option {
	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.Development {
		options = append(options, zap.Development())
	}
	return options
}

// parseLevel maps a level string to a zap level, defaulting to info.
func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// WithComponent adds component context to a logger.
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}
