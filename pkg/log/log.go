// Copyright 2018 The gVisor Authors.
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

// Package log implements a leveled logging facility, in the style used
// across the sentry: a small Logger interface, pluggable Emitters (glog,
// JSON, Kubernetes-JSON), and a process-global default logger that the rest
// of this repository logs through rather than the stdlib log package.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a log level, ordered from least to most verbose.
type Level int32

const (
	// Warning indicates a condition that should be investigated.
	Warning Level = iota
	// Info indicates a condition worth recording in normal operation.
	Info
	// Debug indicates fine-grained detail useful for diagnosing this
	// package's own behavior.
	Debug
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("Level(%d)", int32(l))
	}
}

// Emitter is the interface for a log back end. depth is the number of
// additional stack frames to skip when attributing a file:line to the
// message, matching runtime.Caller's depth argument.
type Emitter interface {
	Emit(depth int, level Level, timestamp time.Time, format string, args ...any)
}

// Logger is the interface used by the rest of this repository to emit log
// messages at a given level.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
	IsLogging(level Level) bool
}

// Writer serializes concurrent writers onto Next. A message whose write to
// Next fails is dropped and counted. While the count is non-zero, each Write
// first emits a single notice with the count; once that notice is written
// the count is reset and the message follows.
type Writer struct {
	mu   sync.Mutex
	Next io.Writer

	dropMessages int
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{Next: w}
}

// Write implements io.Writer.
func (w *Writer) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropMessages > 0 {
		notice := fmt.Sprintf("\n*** Dropped %d log messages ***\n", w.dropMessages)
		if _, err := w.Next.Write([]byte(notice)); err != nil {
			w.dropMessages++
			return 0, err
		}
		w.dropMessages = 0
	}
	n, err := w.Next.Write(b)
	if err != nil {
		w.dropMessages++
	}
	return n, err
}

// BasicLogger is an Emitter plus the Level at or below which it logs,
// implementing Logger.
type BasicLogger struct {
	Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.Logf(1, Debug, format, v...)
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.Logf(1, Info, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.Logf(1, Warning, format, v...)
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return l.Level >= level
}

// Logf logs the given message if level is enabled, attributing the caller
// depth stack frames above Logf.
func (l *BasicLogger) Logf(depth int, level Level, format string, v ...any) {
	if l.IsLogging(level) {
		l.Emit(depth+1, level, time.Now(), format, v...)
	}
}

var logger atomic.Value // Logger

func init() {
	logger.Store(Logger(&BasicLogger{
		Level:   Info,
		Emitter: GoogleEmitter{Emitter: JSONEmitter{Writer: NewWriter(os.Stderr)}},
	}))
}

// SetTarget sets the global logger used by the package-level Debugf,
// Infof, Warningf helpers.
func SetTarget(target Logger) {
	logger.Store(target)
}

// Log returns the current global logger.
func Log() Logger {
	return logger.Load().(Logger)
}

// Debugf logs to the global logger at Debug level.
func Debugf(format string, v ...any) { Log().Debugf(format, v...) }

// Infof logs to the global logger at Info level.
func Infof(format string, v ...any) { Log().Infof(format, v...) }

// Warningf logs to the global logger at Warning level.
func Warningf(format string, v ...any) { Log().Warningf(format, v...) }

// IsLogging returns whether the global logger logs at the given level.
func IsLogging(level Level) bool { return Log().IsLogging(level) }
