package cmd

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tripwire/dupwatch/internal/config"
)

// newLogger constructs a *slog.Logger writing structured records to stderr
// at the configured level, and additionally to a rotating file when
// log_file is set. The returned closer releases the file.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	var l slog.Level
	switch cfg.LogLevel {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}

	opts := &slog.HandlerOptions{Level: l}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), closer
	}
	return slog.New(slog.NewJSONHandler(w, opts)), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
