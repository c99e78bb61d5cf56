// Copyright The Slurm GRES Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message, if debugging is
	// enabled for the source.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message and panics.
	Panic(format string, args ...interface{})

	// DebugEnabled returns true if debug messages are enabled for
	// the source.
	DebugEnabled() bool
	// EnableDebug enables or disables debug messages for the source,
	// returning the previous state.
	EnableDebug(bool) bool
	// Source returns the source of the logger.
	Source() string
}

// logging tracks our set of per-source loggers.
type logging struct {
	sync.Mutex
	level   Level
	loggers map[string]logger
	dbgmap  srcmap
	prefix  bool
}

// logger implements Logger for a single source.
type logger struct {
	source  string
	enabled *bool
}

var (
	log = &logging{
		level:   DefaultLevel,
		loggers: make(map[string]logger),
		dbgmap:  make(srcmap),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity of emitted messages.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

func (l *logging) get(source string) logger {
	if lg, ok := l.loggers[source]; ok {
		return lg
	}
	lg := logger{source: source, enabled: new(bool)}
	*lg.enabled = l.dbgmap.enabled(source)
	l.loggers[source] = lg
	return lg
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
	for source, lg := range l.loggers {
		*lg.enabled = m.enabled(source)
	}
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

// enabled returns the debugging state of a source per the map, with
// the wildcard source "*" as fallback.
func (m srcmap) enabled(source string) bool {
	if state, ok := m[source]; ok {
		return state
	}
	return m["*"]
}

func (l logger) format(format string, args ...interface{}) string {
	if log.prefix {
		return l.source + ": " + fmt.Sprintf(format, args...)
	}
	return fmt.Sprintf(format, args...)
}

// Debug emits a debug message, if enabled for the source.
func (l logger) Debug(format string, args ...interface{}) {
	if !*l.enabled || log.level > LevelDebug {
		return
	}
	klog.InfoDepth(1, l.format("D: "+format, args...))
}

// Info emits an informational message.
func (l logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

// Warn emits a warning.
func (l logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.format(format, args...))
}

// Error emits an error message.
func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
}

// Fatal emits an error message and exits.
func (l logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
	klog.Flush()
	os.Exit(1)
}

// Panic emits an error message and panics.
func (l logger) Panic(format string, args ...interface{}) {
	msg := l.format(format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

// DebugEnabled returns the debugging state of the source.
func (l logger) DebugEnabled() bool {
	return *l.enabled
}

// EnableDebug sets the debugging state of the source.
func (l logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	old := *l.enabled
	*l.enabled = state
	return old
}

// Source returns the source of the logger.
func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
