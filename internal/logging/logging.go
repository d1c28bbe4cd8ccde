// Package logging configures the process-wide zerolog logger.
//
// Init is called once from main. Components receive a zerolog.Logger and add
// their own "component" field:
//
//	log := logging.Init(logging.Config{Level: "info", Format: "console"})
//	w := worker.New(cfg, src, r, rx, log)
//
// Console output is for humans; every additional sink (rotating file, the
// in-memory buffer behind /api/logs) receives JSON lines.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error. Default info.
	Level string

	// Format is json or console. Default console.
	Format string

	// File enables a rotating JSON log file when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Output is the primary writer. Default os.Stderr.
	Output io.Writer

	// Tee receives a copy of every line as JSON.
	Tee io.Writer
}

var (
	mu     sync.RWMutex
	log    = zerolog.New(os.Stderr).With().Timestamp().Logger()
	closer io.Closer
)

// Init builds the logger from cfg, installs it as the global logger and
// returns it. Calling Init again closes the previous log file.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if closer != nil {
		_ = closer.Close()
		closer = nil
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	primary := cfg.Output
	if !strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		primary = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	writers := []io.Writer{primary}
	if f := strings.TrimSpace(cfg.File); f != "" {
		lj := &lumberjack.Logger{
			Filename:   f,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, lj)
		closer = lj
	}
	if cfg.Tee != nil {
		writers = append(writers, cfg.Tee)
	}

	var out io.Writer = primary
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}
	log = zerolog.New(out).With().Timestamp().Logger()
	return log
}

// Logger returns the logger installed by the last Init.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Close flushes and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
