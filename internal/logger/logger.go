// Package logger provides the daemon's leveled logging surface: a
// package-level slog.Logger with five severities (trace/debug/info/
// warning/error), a pluggable text-or-JSON handler, and optional rotation
// to a log file via lumberjack. Adapted from the teacher's internal/logger
// package (reverse-engineered from its test suite, the only copy of it in
// the retrieval pack), generalized from gcsfuse's own
// config.LogConfig/cfg.LoggingConfig split to this daemon's single
// logging config.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity is this package's leveled-logging vocabulary, distinct from
// log/slog's coarser four levels: it adds Trace below Debug, matching the
// granularity EdenFS-derived tooling expects from its CLI --log-level flag.
type Severity string

const (
	SeverityOff     Severity = "OFF"
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
	SeverityDebug   Severity = "DEBUG"
	SeverityTrace   Severity = "TRACE"
)

// slog.Level values for the two severities slog doesn't natively have.
// The builtin four (Debug=-4, Info=0, Warn=4, Error=8) are spaced 4 apart;
// Trace and Off are placed symmetrically outside that range.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// RotateConfig mirrors the rotation knobs lumberjack exposes.
type RotateConfig struct {
	MaxFileSizeMB  int
	BackupFileCount int
	Compress       bool
}

// DefaultRotateConfig matches lumberjack's own zero-value behavior plus a
// sane size cap so an unconfigured daemon doesn't grow its log unbounded.
func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 100, BackupFileCount: 10, Compress: false}
}

// Config selects where and how the daemon logs.
type Config struct {
	FilePath string // empty means stderr
	Severity Severity
	Format   string // "text" or "json"; anything else defaults to json
	Rotate   RotateConfig
}

type loggerFactory struct {
	file     *lumberjack.Logger
	sysWriter io.Writer
	level    Severity
	format   string
	rotate   RotateConfig
}

var (
	defaultLoggerFactory = &loggerFactory{level: SeverityInfo, sysWriter: os.Stderr, format: "json"}
	defaultLogger        = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, levelVarFor(SeverityInfo), ""))
)

func levelVarFor(sev Severity) *slog.LevelVar {
	v := new(slog.LevelVar)
	v.Set(severityToLevel(sev))
	return v
}

func severityToLevel(sev Severity) slog.Level {
	switch sev {
	case SeverityTrace:
		return LevelTrace
	case SeverityDebug:
		return LevelDebug
	case SeverityInfo:
		return LevelInfo
	case SeverityWarning:
		return LevelWarn
	case SeverityError:
		return LevelError
	case SeverityOff:
		return LevelOff
	default:
		return LevelInfo
	}
}

func setLoggingLevel(sev Severity, programLevel *slog.LevelVar) {
	programLevel.Set(severityToLevel(sev))
}

// jsonRecord matches the teacher's on-wire JSON shape: a nested
// timestamp object rather than a flat RFC3339 string, and "severity"
// rather than slog's default "level" key.
type jsonRecord struct {
	Timestamp struct {
		Seconds int64 `json:"seconds"`
		Nanos   int   `json:"nanos"`
	} `json:"timestamp"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// jsonHandler and textHandler both render only time+severity+message: this
// daemon's log lines are human/log-aggregator facing status lines, not
// structured-attribute dumps, matching the teacher's own handler shape.
type jsonHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	var rec jsonRecord
	rec.Timestamp.Seconds = r.Time.Unix()
	rec.Timestamp.Nanos = r.Time.Nanosecond()
	rec.Severity = levelToSeverityName(r.Level)
	rec.Message = h.prefix + r.Message
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(h.w, string(data))
	return err
}

func (h *jsonHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(_ string) slog.Handler      { return h }

type textHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n",
		r.Time.Format("2006/01/02 15:04:05.000000"), levelToSeverityName(r.Level), h.prefix+r.Message)
	return err
}

func (h *textHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(_ string) slog.Handler      { return h }

func levelToSeverityName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return string(SeverityTrace)
	case l <= LevelDebug:
		return string(SeverityDebug)
	case l <= LevelInfo:
		return string(SeverityInfo)
	case l <= LevelWarn:
		return string(SeverityWarning)
	default:
		return string(SeverityError)
	}
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	if f.format == "text" {
		return &textHandler{w: w, level: level, prefix: prefix}
	}
	return &jsonHandler{w: w, level: level, prefix: prefix}
}

// SetLogFormat switches the package logger's render format ("text" or
// anything else for JSON) without touching its destination or level.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	rebuildDefaultLogger()
}

func rebuildDefaultLogger() {
	w := defaultLoggerFactory.sysWriter
	if defaultLoggerFactory.file != nil {
		w = defaultLoggerFactory.file
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, levelVarFor(defaultLoggerFactory.level), ""))
}

// InitLogFile redirects the package logger to a rotating file, or to stderr
// when cfg.FilePath is empty.
func InitLogFile(cfg Config) error {
	defaultLoggerFactory = &loggerFactory{
		sysWriter: os.Stderr,
		level:     cfg.Severity,
		format:    cfg.Format,
		rotate:    cfg.Rotate,
	}
	if cfg.FilePath != "" {
		defaultLoggerFactory.file = &lumberjack.Logger{
			Filename: cfg.FilePath,
			MaxSize:  cfg.Rotate.MaxFileSizeMB,
			MaxBackups: cfg.Rotate.BackupFileCount,
			Compress: cfg.Rotate.Compress,
		}
	}
	rebuildDefaultLogger()
	return nil
}

// SetLevel adjusts the package logger's minimum severity.
func SetLevel(sev Severity) {
	defaultLoggerFactory.level = sev
	rebuildDefaultLogger()
}

func Tracef(format string, args ...any) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
}
func Debugf(format string, args ...any) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(fmt.Sprintf(format, args...)) }

// Default returns the package's current slog.Logger, for components (like
// privhelper.Server) that want to pass a *slog.Logger through explicitly.
func Default() *slog.Logger {
	return defaultLogger
}
