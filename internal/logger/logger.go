// Copyright 2025 Google LLC
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

// Package logger provides the pool's leveled, structured logger. It sits on
// top of log/slog, adding the TRACE severity the rest of the stack expects
// and a pair of renderers (text, json) that match the pool's log-record
// layout rather than slog's own default ones.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/extentpool/extentpool/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Custom severities, ordered the same way cfg.LogSeverity ranks them. TRACE
// sits below slog's own LevelDebug; OFF sits above LevelError so nothing
// passes the Enabled check.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

const defaultAsyncBufferSize = 1000

func severityName(level slog.Level) string {
	switch {
	case level < LevelDebug:
		return "TRACE"
	case level < LevelInfo:
		return "DEBUG"
	case level < LevelWarn:
		return "INFO"
	case level < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// loggerFactory owns everything needed to rebuild defaultLogger's handler
// whenever the severity, format, or file sink changes.
type loggerFactory struct {
	file            *os.File
	asyncLogger     *AsyncLogger
	format          string
	level           cfg.LogSeverity
	prefix          string
	logRotateConfig cfg.LogRotateLoggingConfig
}

var defaultLoggerFactory = &loggerFactory{
	level:  cfg.InfoLogSeverity,
	format: string(cfg.TextLogFormat),
}

var defaultLogger = slog.New(
	defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, levelVarFor(defaultLoggerFactory.level), ""),
)

func levelVarFor(level cfg.LogSeverity) *slog.LevelVar {
	v := new(slog.LevelVar)
	setLoggingLevel(string(level), v)
	return v
}

// setLoggingLevel maps a cfg.LogSeverity name onto the slog.LevelVar that
// gates defaultLogger's handler. Unrecognized input falls back to INFO.
func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch cfg.LogSeverity(level) {
	case cfg.TraceLogSeverity:
		programLevel.Set(LevelTrace)
	case cfg.DebugLogSeverity:
		programLevel.Set(LevelDebug)
	case cfg.WarningLogSeverity:
		programLevel.Set(LevelWarn)
	case cfg.ErrorLogSeverity:
		programLevel.Set(LevelError)
	case cfg.OffLogSeverity:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// createJsonOrTextHandler picks the record renderer based on the factory's
// configured format. Anything other than the literal "text" renders json,
// a fail-open-to-structured-output default.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	if f.format == string(cfg.TextLogFormat) {
		return &textHandler{w: w, level: levelVar, prefix: prefix}
	}
	return &jsonHandler{w: w, level: levelVar, prefix: prefix}
}

func (f *loggerFactory) writer() io.Writer {
	if f.asyncLogger != nil {
		return f.asyncLogger
	}
	return os.Stderr
}

func rebuildDefaultLogger() {
	programLevel := levelVarFor(defaultLoggerFactory.level)
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.writer(), programLevel, defaultLoggerFactory.prefix),
	)
}

// SetLogFormat switches defaultLogger between text and json rendering.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	rebuildDefaultLogger()
}

// InitLogFile points the logger at a rotating file sink, replacing stderr.
// With an empty FilePath no file is opened: the logger keeps writing to
// stderr, rebuilt with config's format and severity.
func InitLogFile(config cfg.LoggingConfig) error {
	if config.FilePath == "" {
		defaultLoggerFactory = &loggerFactory{
			format:          string(config.Format),
			level:           config.Severity,
			logRotateConfig: config.LogRotate,
		}
		rebuildDefaultLogger()
		return nil
	}

	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", config.FilePath, err)
	}

	lj := &lumberjack.Logger{
		Filename:   config.FilePath,
		MaxSize:    config.LogRotate.MaxFileSizeMb,
		MaxBackups: config.LogRotate.BackupFileCount,
		Compress:   config.LogRotate.Compress,
	}

	defaultLoggerFactory = &loggerFactory{
		file:            file,
		asyncLogger:     NewAsyncLogger(lj, defaultAsyncBufferSize),
		format:          string(config.Format),
		level:           config.Severity,
		logRotateConfig: config.LogRotate,
	}
	rebuildDefaultLogger()
	return nil
}

// textHandler renders `time="..." severity=X message="..."` lines.
type textHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	t := r.Time.Format("2006/01/02 15:04:05.000000")
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n", t, severityName(r.Level), h.prefix+r.Message)
	return err
}

func (h *textHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(_ string) slog.Handler      { return h }

// jsonHandler renders `{"timestamp":{"seconds":N,"nanos":N},"severity":"X","message":"..."}` lines.
type jsonHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	message, err := json.Marshal(h.prefix + r.Message)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(h.w, `{"timestamp":{"seconds":%d,"nanos":%d},"severity":"%s","message":%s}`+"\n",
		r.Time.Unix(), r.Time.Nanosecond(), severityName(r.Level), message)
	return err
}

func (h *jsonHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(_ string) slog.Handler      { return h }

func logf(level slog.Level, format string, v ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { logf(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { logf(LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logf(LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logf(LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logf(LevelError, format, v...) }
