package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	// File enables JSON output rotated by size. Empty logs to the console.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// New builds the root logger. The returned closer flushes the log file, if any.
func New(cfg Config, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		level = l
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		w, closer = lj, lj
	} else {
		if console == nil {
			console = os.Stdout
		}
		w = zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly}
	}

	l := zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()
	return l, closer, nil
}

// Setup installs the root logger as the global log.Logger.
func Setup(cfg Config) (io.Closer, error) {
	l, closer, err := New(cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	log.Logger = l
	zerolog.SetGlobalLevel(l.GetLevel())
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
