/* Copyright (c) 2017-2026 Gregor Riepl
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"time"
)

const (
	// signalQueueLength is the capacity of the control signal channel
	signalQueueLength int = 16
	// logQueueLength is the number of log lines that may be pending before
	// the file logger starts dropping them
	logQueueLength int = 256
	// timeFormat is the time stamp format of all loggers
	timeFormat string = time.RFC3339
	// reopenSignal asks the file logger to reopen its file.
	reopenSignal internalSignal = internalSignal("HUP")
	// closeSignal asks the file logger to close its file and stop.
	closeSignal internalSignal = internalSignal("SDN")
	//
	// KeyModule is the standard key for a user-defined module name
	KeyModule string = "module"
	// KeyTime is the standard key for the time stamp when the log entry was generated
	KeyTime string = "time"
)

var (
	globalStandardLogger MultiLogger = MultiLogger{
		&ConsoleLogger{},
	}
)

type internalSignal string

func (s internalSignal) Signal() {}
func (s internalSignal) String() string {
	return string(s)
}

// Dict is a generic string:any dictionary type, for more convenience
// when creating structured logs.
type Dict map[string]interface{}

// Logger is implemented by all structured loggers.
//
// Each log line is a dictionary that is serialised to one line of JSON.
// By convention, every line carries a "module" key (see ModuleLogger),
// an "event" key and, for failures, an "error" key:
//
//	{ "module": "split", "event": "error", "error": "header", "pid": 256 }
//	{ "module": "descramble", "event": "key", "message": "Key changed" }
type Logger interface {
	// Logd writes one or more dictionaries, one line each.
	Logd(lines ...Dict)
	// Logkv writes a single line assembled from alternating keys and values:
	//   logger.Logkv("event", "start", "pid", 256)
	Logkv(keyValues ...interface{})
}

// LogFunnel converts alternating key/value arguments into a dictionary.
// Keys that are not strings and a trailing key without value are dropped.
func LogFunnel(keyValues []interface{}) Dict {
	d := make(Dict, len(keyValues)/2)
	for i := 0; i+1 < len(keyValues); i += 2 {
		if k, ok := keyValues[i].(string); ok {
			d[k] = keyValues[i+1]
		}
	}
	return d
}

// NewGlobalModuleLogger creates a logger for a package that writes to the
// global standard logger and tags every line with the module name.
//
// dict contains additional default keys and may be nil.
func NewGlobalModuleLogger(module string, dict Dict) Logger {
	defaults := make(Dict, len(dict)+1)
	for k, v := range dict {
		defaults[k] = v
	}
	defaults[KeyModule] = module
	return &ModuleLogger{
		Logger:   globalStandardLogger,
		Defaults: defaults,
	}
}

// SetGlobalStandardLogger replaces the backend of the global standard logger
// and returns the previous one.
func SetGlobalStandardLogger(logger Logger) Logger {
	old := globalStandardLogger[0]
	globalStandardLogger[0] = logger
	return old
}

// ModuleLogger adds default keys to every line before handing it to the
// backing logger. Keys from the line itself take precedence.
//
// If AddTimestamp is set, a "time" key in RFC 3339 format is added as well.
type ModuleLogger struct {
	// Logger is the backend.
	Logger Logger
	// Defaults is merged into every line.
	Defaults Dict
	// AddTimestamp enables the "time" key.
	AddTimestamp bool
}

func (logger *ModuleLogger) Logd(lines ...Dict) {
	merged := make([]Dict, len(lines))
	for i, line := range lines {
		out := make(Dict, len(logger.Defaults)+len(line)+1)
		for k, v := range logger.Defaults {
			out[k] = v
		}
		if logger.AddTimestamp {
			out[KeyTime] = time.Now().Format(timeFormat)
		}
		for k, v := range line {
			out[k] = v
		}
		merged[i] = out
	}
	logger.Logger.Logd(merged...)
}

func (logger *ModuleLogger) Logkv(keyValues ...interface{}) {
	logger.Logd(LogFunnel(keyValues))
}

// DummyLogger discards everything.
type DummyLogger struct{}

func (*DummyLogger) Logd(lines ...Dict)             {}
func (*DummyLogger) Logkv(keyValues ...interface{}) {}

// MultiLogger sends each line to all of its backends.
type MultiLogger []Logger

func (logger MultiLogger) Logd(lines ...Dict) {
	for _, backend := range logger {
		backend.Logd(lines...)
	}
}

func (logger MultiLogger) Logkv(keyValues ...interface{}) {
	logger.Logd(LogFunnel(keyValues))
}

// ConsoleLogger writes JSON lines to Writer, or to standard output if
// Writer is nil.
type ConsoleLogger struct {
	Writer io.Writer
}

func (logger *ConsoleLogger) Logd(lines ...Dict) {
	w := logger.Writer
	if w == nil {
		w = os.Stdout
	}
	encoder := json.NewEncoder(w)
	for _, line := range lines {
		if err := encoder.Encode(line); err != nil {
			fmt.Fprintf(w, "{\"event\":\"error\",\"message\":\"Cannot encode log line\",\"line\":%q}\n", fmt.Sprint(line))
		}
	}
}

func (logger *ConsoleLogger) Logkv(keyValues ...interface{}) {
	logger.Logd(LogFunnel(keyValues))
}

// FileLogger appends JSON lines to a file, each prefixed with a time stamp:
//
//	[2006-01-02T15:04:05Z07:00] {"module":"main",...}
//
// Writing happens on a separate goroutine. When the queue is full, lines
// are dropped and counted. The file is reopened on UserSignal, which makes
// the logger compatible with logrotate.
type FileLogger struct {
	name     string
	file     io.WriteCloser
	signals  chan os.Signal
	messages chan Dict
	done     chan struct{}
	// Lines, Drops and Errors are updated atomically
	Lines  uint64
	Drops  uint64
	Errors uint64
}

// NewFileLogger opens logfile for appending and starts the writer goroutine.
// If sigusr is true, a UserSignal handler is installed to reopen the file.
func NewFileLogger(logfile string, sigusr bool) (*FileLogger, error) {
	logger := &FileLogger{
		name:     logfile,
		signals:  make(chan os.Signal, signalQueueLength),
		messages: make(chan Dict, logQueueLength),
		done:     make(chan struct{}),
	}
	if err := logger.reopen(); err != nil {
		return nil, err
	}
	if sigusr {
		RegisterUserSignalHandler(logger.signals)
	}
	go logger.run()
	return logger, nil
}

func (logger *FileLogger) Logd(lines ...Dict) {
	for _, line := range lines {
		select {
		case logger.messages <- line:
		default:
			atomic.AddUint64(&logger.Drops, 1)
		}
	}
}

func (logger *FileLogger) Logkv(keyValues ...interface{}) {
	logger.Logd(LogFunnel(keyValues))
}

// Reopen asks the writer goroutine to reopen the log file.
func (logger *FileLogger) Reopen() {
	logger.signals <- reopenSignal
}

// Close flushes pending lines, closes the file and waits for the writer to stop.
func (logger *FileLogger) Close() {
	logger.signals <- closeSignal
	<-logger.done
}

func (logger *FileLogger) reopen() error {
	if logger.file != nil {
		logger.file.Close()
		logger.file = nil
	}
	file, err := os.OpenFile(logger.name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, os.FileMode(0666))
	if err != nil {
		return err
	}
	logger.file = file
	return nil
}

func (logger *FileLogger) write(line Dict) {
	data, err := json.Marshal(line)
	if err != nil || logger.file == nil {
		atomic.AddUint64(&logger.Errors, 1)
		return
	}
	if _, err := fmt.Fprintf(logger.file, "[%s] %s\n", time.Now().Format(timeFormat), data); err != nil {
		atomic.AddUint64(&logger.Errors, 1)
		return
	}
	atomic.AddUint64(&logger.Lines, 1)
}

func (logger *FileLogger) run() {
	defer close(logger.done)
	for {
		select {
		case sig := <-logger.signals:
			switch sig {
			case UserSignal, reopenSignal:
				if err := logger.reopen(); err != nil {
					fmt.Fprintf(os.Stderr, "{\"event\":\"error\",\"error\":\"reopen\",\"message\":%q}\n", err.Error())
				}
			case closeSignal:
				signal.Stop(logger.signals)
				for {
					select {
					case line := <-logger.messages:
						logger.write(line)
					default:
						if logger.file != nil {
							logger.file.Close()
							logger.file = nil
						}
						return
					}
				}
			}
		case line := <-logger.messages:
			logger.write(line)
		}
	}
}
