// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"os"

	"github.com/gwatts/dynbackup/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the logger for a --log target: "-" logs to stdout, a
// filename logs to a rotated file and an empty target disables logging.
// level overrides the configured level if set.
func newLogger(target, level string, cfg config.LoggingConfig) (*zap.Logger, error) {
	if target == "" {
		return zap.NewNop(), nil
	}
	if level == "" {
		level = cfg.Level
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", level, err)
	}

	var encoderCfg zapcore.EncoderConfig
	switch cfg.Format {
	case "console":
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	default:
		encoderCfg = zap.NewProductionEncoderConfig()
	}
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.MessageKey = "message"
	encoderCfg.LevelKey = "level"

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var ws zapcore.WriteSyncer
	if target == "-" {
		ws = zapcore.Lock(os.Stdout)
	} else {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   target,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  cfg.LocalTime,
		})
	}

	logger := zap.New(zapcore.NewCore(encoder, ws, lvl))
	return logger.With(zap.Int("pid", os.Getpid())), nil
}
