package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	mu             sync.RWMutex
	sugar          = newDefaultLogger()
	verbose        bool
	verboseFilters = map[string]bool{}
	verboseAll     bool
)

func newDefaultLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// SetLogger replaces the zap logger every message is written to.
// Passing nil silences all output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	sugar = l.Sugar()
	mu.Unlock()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger().Sync()
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// SetVerbose sets the verbose logging mode with granular filtering
// Examples:
//   - "" or "false": disable all verbose logging
//   - "true", "1" or "all": enable all verbose logging
//   - "rxnostr,relay": enable verbose for the rxnostr and relay modules
//   - "rxnostr.Use,relaystore": enable the rxnostr.Use method and all of relaystore
//
// This function is typically called early in main() with:
//
//	logging.SetVerbose(os.Getenv("VERBOSE"))
func SetVerbose(verboseStr string) {
	mu.Lock()
	defer mu.Unlock()

	verboseFilters = make(map[string]bool)
	verboseAll = false
	verbose = false

	if verboseStr == "" || verboseStr == "false" || verboseStr == "0" {
		return
	}

	if verboseStr == "true" || verboseStr == "1" || verboseStr == "all" {
		verbose = true
		verboseAll = true
		return
	}

	for _, filter := range strings.Split(verboseStr, ",") {
		filter = strings.TrimSpace(filter)
		if filter != "" {
			verboseFilters[filter] = true
			verbose = true
		}
	}
}

// IsVerbose checks if verbose logging is enabled for a specific module or method
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

// DebugMethod logs debug messages for a specific module.method (only in verbose mode)
func DebugMethod(module string, method string, format string, v ...interface{}) {
	if IsVerbose(module, method) {
		logger().Debugf(module+"."+method+": "+format, v...)
	}
}

// Info logs informational messages (always shown)
func Info(format string, v ...interface{}) {
	logger().Infof(format, v...)
}

// Warn logs warning messages (always shown)
func Warn(format string, v ...interface{}) {
	logger().Warnf(format, v...)
}

// Error logs error messages (always shown)
func Error(format string, v ...interface{}) {
	logger().Errorf(format, v...)
}

// Fatal logs error messages and exits with status code 1
func Fatal(format string, v ...interface{}) {
	logger().Fatalf(format, v...)
}
