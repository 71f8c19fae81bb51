// Copyright 2026 The Android Open Source Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger is the structured logging surface every component in this
// module writes through instead of the bare "log" package. It mirrors the
// severity levels and rotation strategy of the teacher's internal/logger +
// lumberjack pairing: recovery images have little spare storage, so log
// files are rotated and capped rather than left to grow unbounded.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity mirrors the teacher's cfg package log-level constants.
type Severity int

const (
	Trace Severity = iota
	Debug
	Info
	Warning
	Error
	Off
)

func ParseSeverity(s string) Severity {
	switch s {
	case "TRACE":
		return Trace
	case "DEBUG":
		return Debug
	case "WARNING":
		return Warning
	case "ERROR":
		return Error
	case "OFF":
		return Off
	default:
		return Info
	}
}

var (
	mu        sync.Mutex
	level     = Info
	std       = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	rotating  *lumberjack.Logger
	sessionID string
)

// SetLevel sets the minimum severity that will be emitted.
func SetLevel(s Severity) {
	mu.Lock()
	defer mu.Unlock()
	level = s
}

// SetSessionID tags every subsequent log line with id, so a log aggregator
// can correlate the foreground process's output with its re-exec'd
// background child (they are two separate OS processes, each with their own
// stdlib "log" instance).
func SetSessionID(id string) {
	mu.Lock()
	defer mu.Unlock()
	sessionID = id
}

// SetLogFile redirects output to a rotating log file (instead of stderr).
// filename == "" reverts to stderr. maxSizeMB/maxBackups/maxAgeDays follow lumberjack's own
// semantics; zero values use lumberjack's defaults (no size cap is a bad
// idea on a recovery partition, so callers should pass a real cap).
func SetLogFile(filename string, maxSizeMB, maxBackups, maxAgeDays int) {
	mu.Lock()
	defer mu.Unlock()

	if filename == "" {
		rotating = nil
		std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
		return
	}

	rotating = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	std = log.New(rotating, "", log.LstdFlags|log.Lmicroseconds)
}

// Close flushes and closes the rotating log file, if one is configured.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotating == nil {
		return nil
	}
	return rotating.Close()
}

func emit(sev Severity, tag, format string, args ...interface{}) {
	mu.Lock()
	cur := level
	w := std
	sess := sessionID
	mu.Unlock()

	if sev < cur {
		return
	}
	if sess == "" {
		w.Printf("[%s] %s", tag, fmt.Sprintf(format, args...))
		return
	}
	w.Printf("[%s][%s] %s", tag, sess, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{})   { emit(Trace, "TRACE", format, args...) }
func Debugf(format string, args ...interface{})   { emit(Debug, "DEBUG", format, args...) }
func Infof(format string, args ...interface{})    { emit(Info, "INFO", format, args...) }
func Warnf(format string, args ...interface{})    { emit(Warning, "WARN", format, args...) }
func Errorf(format string, args ...interface{})   { emit(Error, "ERROR", format, args...) }

func Info(msg string)  { emit(Info, "INFO", "%s", msg) }
func Warn(msg string)  { emit(Warning, "WARN", "%s", msg) }
func Debug(msg string) { emit(Debug, "DEBUG", "%s", msg) }
func Error(msg string) { emit(Error, "ERROR", "%s", msg) }

// Fatalf logs at Error severity and exits the process with status 1,
// matching the teacher's use of fatal logging for unrecoverable
// configuration errors (spec §7 "Configuration error").
func Fatalf(format string, args ...interface{}) {
	emit(Error, "FATAL", format, args...)
	os.Exit(1)
}
