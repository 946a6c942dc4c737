// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Module-filtered logging for the relay harness.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu             sync.RWMutex
	verbose        bool
	verboseAll     bool
	verboseFilters = map[string]bool{}

	logger = newLogger(os.Stderr)
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetVerbose enables debug output for a comma-separated list of modules or
// module.method pairs.
//   - "" or "false": no debug output
//   - "1", "true" or "all": everything
//   - "relay,memstore.Insert": the relay module and one memstore method
//
// Usually called once from main with the VERBOSE setting.
func SetVerbose(verboseStr string) {
	mu.Lock()
	defer mu.Unlock()

	verboseFilters = map[string]bool{}
	verboseAll = false
	verbose = false
	logger.SetLevel(logrus.InfoLevel)

	switch strings.TrimSpace(verboseStr) {
	case "", "false", "0":
		return
	case "1", "true", "all":
		verbose = true
		verboseAll = true
		logger.SetLevel(logrus.DebugLevel)
		return
	}

	for _, filter := range strings.Split(verboseStr, ",") {
		filter = strings.TrimSpace(filter)
		if filter != "" {
			verboseFilters[filter] = true
			verbose = true
		}
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
}

// SetOutput redirects all log output. Tests use it to silence or capture logs.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// IsVerbose reports whether debug output is on for module or module.method.
func IsVerbose(module string, method string) bool {
	mu.RLock()
	defer mu.RUnlock()

	if !verbose {
		return false
	}
	if verboseAll {
		return true
	}
	if method != "" && verboseFilters[module+"."+method] {
		return true
	}
	return verboseFilters[module]
}

// DebugMethod logs a debug line tagged with module and method when enabled.
func DebugMethod(module string, method string, format string, v ...interface{}) {
	if IsVerbose(module, method) {
		logger.WithFields(logrus.Fields{"module": module, "method": method}).Debugf(format, v...)
	}
}

// Debug logs only when everything is verbose. Prefer DebugMethod.
func Debug(format string, v ...interface{}) {
	mu.RLock()
	all := verboseAll
	mu.RUnlock()
	if all {
		logger.Debugf(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	logger.Infof(format, v...)
}

func Warn(format string, v ...interface{}) {
	logger.Warnf(format, v...)
}

func Error(format string, v ...interface{}) {
	logger.Errorf(format, v...)
}

// Fatal logs and exits with status 1.
func Fatal(format string, v ...interface{}) {
	logger.Fatalf(format, v...)
}
