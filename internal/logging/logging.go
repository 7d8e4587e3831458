// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/dkeye/Voicelink/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup replaces log.Logger according to cfg. The returned Closer flushes
// the log file, if any.
func Setup(cfg config.LogConfig) (io.Closer, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg config.LogConfig, stderr io.Writer) (io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = stderr
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: stderr}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	if err := SetLevel(cfg.Level); err != nil {
		return closer, err
	}
	return closer, nil
}

// SetLevel changes the global level; used on config reload.
func SetLevel(level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
