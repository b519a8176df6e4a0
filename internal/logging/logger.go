// Package logging provides categorized structured logging for konform.
// A single zap root is configured once at startup; every subsystem pulls
// a named child logger for its category so log lines stay filterable.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot    Category = "boot"    // startup, config loading
	CategoryScan    Category = "scan"    // orchestrator runs
	CategoryFetch   Category = "fetch"   // static HTTP fetches
	CategoryBrowser Category = "browser" // headless Chrome rendering
	CategoryCatalog Category = "catalog" // service catalog loads and reloads
	CategoryChecks  Category = "checks"  // pillar check modules
	CategoryLegal   Category = "legal"   // legal update overlay
	CategoryFix     Category = "fix"     // fix generation
	CategoryQuota   Category = "quota"   // quota ledger and audit
	CategoryStore   Category = "store"   // scan/fix persistence
	CategoryAPI     Category = "api"     // HTTP surface
	CategoryLLM     Category = "llm"     // model calls
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	byCat   = make(map[Category]*zap.SugaredLogger)
	started = false
)

// Init installs the process-wide root logger. verbose selects the
// development config at debug level, otherwise production JSON at info.
// When file is non-empty, output goes there instead of stderr.
func Init(verbose bool, file string) error {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if file != "" {
		cfg.OutputPaths = []string{file}
		cfg.ErrorOutputPaths = []string{file}
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	byCat = make(map[Category]*zap.SugaredLogger)
	started = true
	return nil
}

// InitFromEnv wires Init from KONFORM_LOG_LEVEL and KONFORM_LOG_FILE.
func InitFromEnv() error {
	verbose := os.Getenv("KONFORM_LOG_LEVEL") == "debug"
	return Init(verbose, os.Getenv("KONFORM_LOG_FILE"))
}

// Get returns (or creates) the sugared logger for a category. Safe to
// call before Init; lines are dropped until a root is installed.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := byCat[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := byCat[cat]; ok {
		return l
	}
	l := root.Named(string(cat)).Sugar()
	byCat[cat] = l
	return l
}

// Debug logs a printf-style debug line under the category.
func Debug(cat Category, format string, args ...interface{}) {
	Get(cat).Debugf(format, args...)
}

// Info logs a printf-style info line under the category.
func Info(cat Category, format string, args ...interface{}) {
	Get(cat).Infof(format, args...)
}

// Warn logs a printf-style warning under the category.
func Warn(cat Category, format string, args ...interface{}) {
	Get(cat).Warnf(format, args...)
}

// Error logs a printf-style error under the category.
func Error(cat Category, format string, args ...interface{}) {
	Get(cat).Errorf(format, args...)
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if started {
		_ = root.Sync()
	}
}

// =============================================================================
// TIMING
// =============================================================================

// Timer measures an operation's duration and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debugf("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn when the operation exceeded the
// threshold, at debug otherwise.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warnf("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debugf("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
