// Package logging provides categorized structured logging for toolguard.
// Every subsystem logs through a Category so that mapper, synthesis,
// verification and repair traffic can be filtered independently.
// Logging is a no-op until Initialize or SetBase is called.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup, config resolution
	CategoryAPI     Category = "api"     // Generator (LLM) calls
	CategoryCatalog Category = "catalog" // Domain catalog loading and extraction
	CategoryMapper  Category = "mapper"  // Policy to tool mapping
	CategorySynth   Category = "synth"   // Guard synthesis
	CategoryVerify  Category = "verify"  // Syntax, lint, fixtures
	CategoryRepair  Category = "repair"  // Per-tool state machines
	CategoryStore   Category = "store"   // Artifact tree and run log
	CategoryWatch   Category = "watch"   // File watcher
)

// Config controls the base logger built by Initialize.
type Config struct {
	Level      string          `yaml:"level"`       // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"` // JSON lines instead of console encoding
	Dir        string          `yaml:"dir"`         // optional directory for a log file
	Stderr     bool            `yaml:"stderr"`      // also write to stderr
	Categories map[string]bool `yaml:"categories,omitempty"` // per-category switches; missing means enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
	logFile    *os.File
)

// Initialize builds the base zap logger from cfg.
func Initialize(cfg Config) error {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var cores []zapcore.Core
	var file *os.File
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		path := filepath.Join(cfg.Dir, time.Now().Format("2006-01-02")+"_toolguard.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		file = f
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(f), level))
	}
	if cfg.Stderr || cfg.Dir == "" {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
	}

	mu.Lock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	mu.Unlock()

	setBase(zap.New(zapcore.NewTee(cores...)), cfg.Categories)
	Get(CategoryBoot).Debug("logging initialized (level=%s json=%v dir=%q)", level.String(), cfg.JSONFormat, cfg.Dir)
	return nil
}

// SetBase installs an already configured zap logger (the CLI builds one in
// its pre-run hook). Category switches are reset.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	setBase(l, nil)
}

func setBase(l *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	categories = cats
	loggers = make(map[Category]*Logger)
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	zl := zap.NewNop()
	if categoryEnabledLocked(category) {
		zl = base.Named(string(category))
	}
	l := &Logger{category: category, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

// Category returns the logger's category.
func (l *Logger) Category() Category { return l.category }

// With returns a child logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes the base logger and closes the log file, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func API(format string, args ...interface{})       { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{})  { Get(CategoryAPI).Debug(format, args...) }
func APIWarn(format string, args ...interface{})   { Get(CategoryAPI).Warn(format, args...) }
func Catalog(format string, args ...interface{})   { Get(CategoryCatalog).Info(format, args...) }
func Mapper(format string, args ...interface{})    { Get(CategoryMapper).Info(format, args...) }
func MapperDebug(format string, args ...interface{}) {
	Get(CategoryMapper).Debug(format, args...)
}
func MapperWarn(format string, args ...interface{}) { Get(CategoryMapper).Warn(format, args...) }
func Synth(format string, args ...interface{})      { Get(CategorySynth).Info(format, args...) }
func SynthDebug(format string, args ...interface{}) { Get(CategorySynth).Debug(format, args...) }
func Verify(format string, args ...interface{})     { Get(CategoryVerify).Info(format, args...) }
func VerifyDebug(format string, args ...interface{}) {
	Get(CategoryVerify).Debug(format, args...)
}
func Repair(format string, args ...interface{})      { Get(CategoryRepair).Info(format, args...) }
func RepairDebug(format string, args ...interface{}) { Get(CategoryRepair).Debug(format, args...) }
func RepairWarn(format string, args ...interface{})  { Get(CategoryRepair).Warn(format, args...) }
func Store(format string, args ...interface{})       { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{})  { Get(CategoryStore).Debug(format, args...) }
func Watch(format string, args ...interface{})       { Get(CategoryWatch).Info(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
