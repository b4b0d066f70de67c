// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger routes every diagnostic message produced by the crypto,
// cryptofile and fs packages through one place: a package-level singleton
// wrapping log/slog, rather than scattered fmt.Println/log.Print calls.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/last-saiyan/rencfs/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Custom severities. slog ships Debug/Info/Warn/Error; rencfs additionally
// wants a TRACE level below Debug for chunk-by-chunk crypto tracing, and
// an OFF level above Error that silences everything.
const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelOff   slog.Level = slog.LevelError + 4
)

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelWarn:  "WARNING",
}

// loggerFactory builds the slog.Handler that backs the package-level
// logger, and remembers enough state (format, destination, rotation
// policy) to rebuild it when the configuration changes mid-process.
type loggerFactory struct {
	format          string
	level           cfg.LogSeverity
	fileWriter      io.Writer
	logRotateConfig cfg.LogRotateLoggingConfig
	prefix          string
}

var (
	defaultLoggerFactory = &loggerFactory{
		format: string(cfg.JSONLogFormat),
		level:  cfg.InfoLogSeverity,
	}
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel(cfg.InfoLogSeverity), ""),
	)
)

func programLevel(sev cfg.LogSeverity) *slog.LevelVar {
	v := new(slog.LevelVar)
	setLoggingLevel(string(sev), v)
	return v
}

func setLoggingLevel(severity string, level *slog.LevelVar) {
	switch cfg.LogSeverity(severity) {
	case cfg.TraceLogSeverity:
		level.Set(LevelTrace)
	case cfg.DebugLogSeverity:
		level.Set(LevelDebug)
	case cfg.InfoLogSeverity:
		level.Set(LevelInfo)
	case cfg.WarningLogSeverity:
		level.Set(LevelWarn)
	case cfg.ErrorLogSeverity:
		level.Set(LevelError)
	case cfg.OffLogSeverity:
		level.Set(LevelOff)
	default:
		level.Set(LevelInfo)
	}
}

// replaceAttr renders the custom levels with their own names and drops the
// "level" key in favor of "severity" so output matches the rest of the
// rencfs diagnostics vocabulary (Io/Serialize/CryptoFailure/...).
func (f *loggerFactory) replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		if name, ok := levelNames[level]; ok {
			a.Value = slog.StringValue(name)
		} else {
			a.Value = slog.StringValue(level.String())
		}
		a.Key = "severity"
		return a
	}
	if a.Key == slog.TimeKey {
		if f.format == string(cfg.TextLogFormat) {
			a.Value = slog.StringValue(a.Value.Time().Format("02/01/2006 15:04:05.000000"))
		} else {
			t := a.Value.Time()
			a.Key = "timestamp"
			a.Value = slog.GroupValue(
				slog.Int64("seconds", t.Unix()),
				slog.Int64("nanos", int64(t.Nanosecond())),
			)
		}
		return a
	}
	if a.Key == slog.MessageKey {
		a.Key = "message"
		a.Value = slog.StringValue(f.prefix + a.Value.String())
		return a
	}
	return a
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	f.prefix = prefix
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: f.replaceAttr,
	}
	if f.format == string(cfg.TextLogFormat) {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// SetLogFormat switches the package logger's output format ("text" or
// "json", defaulting to json for anything else) without touching its
// destination or level.
func SetLogFormat(format string) {
	if format != string(cfg.TextLogFormat) {
		format = string(cfg.JSONLogFormat)
	}
	defaultLoggerFactory.format = format
	level := programLevel(defaultLoggerFactory.level)
	var w io.Writer = os.Stderr
	if defaultLoggerFactory.fileWriter != nil {
		w = defaultLoggerFactory.fileWriter
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, level, ""))
}

// asyncSinkBufferSize bounds how many log records may queue behind a slow
// log file before new records are dropped instead of stalling a filesystem
// operation.
const asyncSinkBufferSize = 1000

// fileSink is the live async writer created by InitLogFile, retained so
// CloseLogFile can drain and close it at shutdown.
var fileSink *AsyncLogger

// InitLogFile points the package logger at a rotating log file. Rotation
// is handled by lumberjack under the size/backup/compression policy from
// the logging config, and writes reach it through an AsyncLogger so a
// stalled disk never blocks the operation that produced the log line.
// With no file path, output stays on stderr.
func InitLogFile(logging cfg.LoggingConfig) error {
	defaultLoggerFactory.logRotateConfig = logging.LogRotate
	defaultLoggerFactory.level = logging.Severity
	defaultLoggerFactory.format = string(logging.Format)
	if defaultLoggerFactory.format == "" {
		defaultLoggerFactory.format = string(cfg.JSONLogFormat)
	}

	var w io.Writer
	if logging.FilePath != "" {
		fileSink = NewAsyncLogger(&lumberjack.Logger{
			Filename:   string(logging.FilePath),
			MaxSize:    logging.LogRotate.MaxFileSizeMB,
			MaxBackups: logging.LogRotate.BackupFileCount,
			Compress:   logging.LogRotate.Compress,
		}, asyncSinkBufferSize)
		w = fileSink
		defaultLoggerFactory.fileWriter = w
	} else {
		w = os.Stderr
	}

	level := programLevel(logging.Severity)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, level, ""))
	return nil
}

// CloseLogFile drains and closes the async file sink installed by
// InitLogFile, redirecting any further logging back to stderr. A no-op if
// logging never went to a file.
func CloseLogFile() error {
	if fileSink == nil {
		return nil
	}
	sink := fileSink
	fileSink = nil
	defaultLoggerFactory.fileWriter = nil
	level := programLevel(defaultLoggerFactory.level)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, level, ""))
	return sink.Close()
}

// UpdateDefaultLogger rebuilds the package logger for a new format and a
// process name used as a text-mode log-line prefix.
func UpdateDefaultLogger(format, name string) {
	defaultLoggerFactory.format = format
	level := programLevel(defaultLoggerFactory.level)
	var w io.Writer = os.Stderr
	if defaultLoggerFactory.fileWriter != nil {
		w = defaultLoggerFactory.fileWriter
	}
	prefix := ""
	if name != "" {
		prefix = name + ": "
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, level, prefix))
}

// AddWriterAndRefresh fans the package logger's output out to an
// additional writer, keeping the existing destination alive.
func AddWriterAndRefresh(w io.Writer, name string) {
	base := io.Writer(os.Stderr)
	if defaultLoggerFactory.fileWriter != nil {
		base = defaultLoggerFactory.fileWriter
	}
	level := programLevel(defaultLoggerFactory.level)
	prefix := ""
	if name != "" {
		prefix = name + ": "
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(io.MultiWriter(base, w), level, prefix))
}

func Tracef(format string, v ...any) { log(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { log(LevelDebug, format, v...) }
func Infof(format string, v ...any)  { log(LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { log(LevelWarn, format, v...) }
func Errorf(format string, v ...any) { log(LevelError, format, v...) }

func log(level slog.Level, format string, v ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	msg := format
	if len(v) > 0 {
		msg = fmt.Sprintf(format, v...)
	}
	_ = defaultLogger.Handler().Handle(context.Background(), slog.NewRecord(time.Now(), level, msg, 0))
}
