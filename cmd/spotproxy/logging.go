package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/p-blackswan/spotproxy/internal/config"
)

// newLogger builds the root logger. The returned func closes the log file,
// if any.
func newLogger(cfg *config.Config, stdout io.Writer) (zerolog.Logger, func() error, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = stdout
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: stdout}
	}

	closeLog := func() error { return nil }
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotator)
		closeLog = rotator.Close
	}

	logger := zerolog.New(out).With().Timestamp().Caller().Logger()

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger

	return logger, closeLog, nil
}
