// Package logger собирает zap.Logger из конфигурации.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config содержит настройки для логгера.
type Config struct {
	Level    string // debug, info, warn, error
	Encoding string // json или console
	// OutputPath - один или несколько путей через запятую. Пусто - stdout.
	OutputPath string
	// Service добавляется в каждую запись полем service.
	Service string
	// Debug включает caller и стектрейсы для ошибок и отключает сэмплирование.
	Debug bool
}

// New создает zap.Logger. Неизвестный уровень заменяется на info.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if lvl := strings.ToLower(strings.TrimSpace(cfg.Level)); lvl != "" {
		if err := level.UnmarshalText([]byte(lvl)); err != nil {
			// Логгер еще не создан
			fmt.Fprintf(os.Stderr, "Invalid log level '%s', using 'info'. Error: %v\n", cfg.Level, err)
			level.SetLevel(zap.InfoLevel)
		}
	}

	encoding := strings.ToLower(cfg.Encoding)
	if encoding != "console" {
		encoding = "json"
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if encoding == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Debug,
		DisableCaller:     !cfg.Debug,
		DisableStacktrace: !cfg.Debug,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       outputPaths(cfg.OutputPath),
		ErrorOutputPaths:  []string{"stderr"},
	}
	if !cfg.Debug {
		// Повторы одного сообщения (например, по каждому сегменту) прореживаются.
		zapConfig.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	if cfg.Service != "" {
		zapConfig.InitialFields = map[string]any{"service": cfg.Service}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func outputPaths(raw string) []string {
	var paths []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return []string{"stdout"}
	}
	return paths
}
