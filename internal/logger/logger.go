// Copyright 2024 The ipfs-mfs-fuse Authors. All Rights Reserved.
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

// Package logger provides the structured, severity-gated logging used
// throughout the filesystem, with optional file rotation via lumberjack.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Severity is an ordered logging level; a lower rank is more verbose.
type Severity int

const (
	LevelTrace Severity = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelOff
)

func (s Severity) String() string {
	switch s {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "OFF"
	}
}

// ParseSeverity accepts the lowercase config-file spelling of a severity.
func ParseSeverity(s string) Severity {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warning", "warn":
		return LevelWarning
	case "error":
		return LevelError
	case "off":
		return LevelOff
	default:
		return LevelInfo
	}
}

var (
	mu       sync.Mutex
	minLevel = LevelInfo
	format   = "text"
	writer   io.Writer = os.Stderr
)

// Configure sets the minimum severity, output format ("text" or "json"),
// and destination for subsequent log calls. An empty logFile keeps logging
// on stderr; a non-empty one is rotated with lumberjack.
func Configure(severity Severity, fmtName, logFile string) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = severity
	if fmtName != "" {
		format = fmtName
	}
	if logFile != "" {
		writer = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		}
	}
}

func logLine(sev Severity, msg string) {
	mu.Lock()
	w, f := writer, format
	mu.Unlock()

	if f == "json" {
		line, _ := json.Marshal(struct {
			Timestamp string `json:"timestamp"`
			Severity  string `json:"severity"`
			Message   string `json:"message"`
		}{
			Timestamp: time.Now().Format(time.RFC3339Nano),
			Severity:  sev.String(),
			Message:   msg,
		})
		fmt.Fprintln(w, string(line))
		return
	}
	fmt.Fprintf(w, "%s %s %s\n", time.Now().Format(time.RFC3339Nano), sev, msg)
}

func emit(sev Severity, format string, v ...interface{}) {
	mu.Lock()
	enabled := sev >= minLevel
	mu.Unlock()
	if !enabled {
		return
	}
	logLine(sev, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) { emit(LevelTrace, format, v...) }
func Debugf(format string, v ...interface{}) { emit(LevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { emit(LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { emit(LevelWarning, format, v...) }
func Errorf(format string, v ...interface{}) { emit(LevelError, format, v...) }

// severityWriter adapts a fixed severity into an io.Writer, so that a
// *log.Logger constructed over it (see NewFuseLogger) routes through this
// package's own formatting and rotation.
type severityWriter struct {
	sev Severity
}

func (w severityWriter) Write(p []byte) (int, error) {
	emit(w.sev, "%s", string(p))
	return len(p), nil
}

// NewFuseLogger adapts this package's logging to the *log.Logger shape
// that fuse.MountConfig.ErrorLogger and DebugLogger expect.
func NewFuseLogger(sev Severity, prefix string) *log.Logger {
	return log.New(severityWriter{sev: sev}, prefix, 0)
}

// Enabled reports whether sev would currently be emitted, used by callers
// deciding whether to pass a custom "debug" mount option through to the
// kernel driver.
func Enabled(sev Severity) bool {
	mu.Lock()
	defer mu.Unlock()
	return sev >= minLevel
}
