// Package logging provides categorized file logging for AutoWeb.
// All categories share a daily file under <dir>/sys_log; Debug lines are
// gated by debug mode while Info and above are always written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and shutdown
	CategorySession   Category = "session"   // REPL and thread lifecycle
	CategoryGraph     Category = "graph"     // Node routing decisions
	CategoryPlanner   Category = "planner"   // Planner node
	CategoryObserver  Category = "observer"  // Observer node, DOM capture
	CategoryCoder     Category = "coder"     // Coder node
	CategoryExecutor  Category = "executor"  // Script execution
	CategoryVerifier  Category = "verifier"  // Verifier node
	CategoryCache     Category = "cache"     // Code cache hits/saves
	CategoryDOMCache  Category = "domcache"  // DOM analysis cache
	CategoryVector    Category = "vector"    // Milvus operations
	CategoryKnowledge Category = "knowledge" // KB writer and registry
	CategoryQA        Category = "qa"        // Retrieval QA pipeline
	CategoryBrowser   Category = "browser"   // Chromium session
	CategoryLLM       Category = "llm"       // Chat model calls
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryToolbox   Category = "toolbox"   // Injected tool calls
)

// retainedLogFiles bounds how many daily files survive pruning.
const retainedLogFiles = 30

// Logger wraps a standard logger tagged with its category
type Logger struct {
	category Category
	logger   *log.Logger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	logFile   *os.File
	fileMu    sync.Mutex
	debugMode bool
)

// Initialize sets up the system log directory, opens today's log file and
// prunes files beyond the retention horizon. Call once at startup.
func Initialize(dir string, debug bool) error {
	if dir == "" {
		dir = "logs"
	}

	fileMu.Lock()
	defer fileMu.Unlock()

	debugMode = debug
	logsDir = filepath.Join(dir, "sys_log")

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("autoweb_%s.log", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if logFile != nil {
		logFile.Close()
	}
	logFile = file

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	pruneLogs(logsDir, retainedLogFiles)

	boot := Get(CategoryBoot)
	boot.Info("=== AutoWeb logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Debug mode: %v", debugMode)

	return nil
}

// pruneLogs removes the oldest autoweb_*.log files beyond keep.
func pruneLogs(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "autoweb_") && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return
	}
	// Date-stamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		os.Remove(filepath.Join(dir, name))
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	fileMu.Lock()
	defer fileMu.Unlock()
	return debugMode
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger when Initialize has not run.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	if logFile == nil {
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		logger:   log.New(&lockedWriter{}, fmt.Sprintf("[%s] ", category), log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// lockedWriter serializes writes from all category loggers into the
// shared daily file.
type lockedWriter struct{}

func (w *lockedWriter) Write(p []byte) (int, error) {
	fileMu.Lock()
	defer fileMu.Unlock()
	if logFile == nil {
		return len(p), nil
	}
	return logFile.Write(p)
}

// Debug logs a debug message (only in debug mode)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || !debugMode {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// Close closes the shared log file (call at shutdown)
func Close() {
	fileMu.Lock()
	defer fileMu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// Graph logs to the graph category
func Graph(format string, args ...interface{}) {
	Get(CategoryGraph).Info(format, args...)
}

// GraphDebug logs debug to the graph category
func GraphDebug(format string, args ...interface{}) {
	Get(CategoryGraph).Debug(format, args...)
}

// Planner logs to the planner category
func Planner(format string, args ...interface{}) {
	Get(CategoryPlanner).Info(format, args...)
}

// PlannerDebug logs debug to the planner category
func PlannerDebug(format string, args ...interface{}) {
	Get(CategoryPlanner).Debug(format, args...)
}

// Observer logs to the observer category
func Observer(format string, args ...interface{}) {
	Get(CategoryObserver).Info(format, args...)
}

// ObserverDebug logs debug to the observer category
func ObserverDebug(format string, args ...interface{}) {
	Get(CategoryObserver).Debug(format, args...)
}

// Coder logs to the coder category
func Coder(format string, args ...interface{}) {
	Get(CategoryCoder).Info(format, args...)
}

// Executor logs to the executor category
func Executor(format string, args ...interface{}) {
	Get(CategoryExecutor).Info(format, args...)
}

// ExecutorError logs error to the executor category
func ExecutorError(format string, args ...interface{}) {
	Get(CategoryExecutor).Error(format, args...)
}

// Verifier logs to the verifier category
func Verifier(format string, args ...interface{}) {
	Get(CategoryVerifier).Info(format, args...)
}

// Cache logs to the cache category
func Cache(format string, args ...interface{}) {
	Get(CategoryCache).Info(format, args...)
}

// CacheDebug logs debug to the cache category
func CacheDebug(format string, args ...interface{}) {
	Get(CategoryCache).Debug(format, args...)
}

// CacheWarn logs warning to the cache category
func CacheWarn(format string, args ...interface{}) {
	Get(CategoryCache).Warn(format, args...)
}

// DOMCache logs to the domcache category
func DOMCache(format string, args ...interface{}) {
	Get(CategoryDOMCache).Info(format, args...)
}

// Vector logs to the vector category
func Vector(format string, args ...interface{}) {
	Get(CategoryVector).Info(format, args...)
}

// VectorWarn logs warning to the vector category
func VectorWarn(format string, args ...interface{}) {
	Get(CategoryVector).Warn(format, args...)
}

// VectorError logs error to the vector category
func VectorError(format string, args ...interface{}) {
	Get(CategoryVector).Error(format, args...)
}

// Knowledge logs to the knowledge category
func Knowledge(format string, args ...interface{}) {
	Get(CategoryKnowledge).Info(format, args...)
}

// KnowledgeWarn logs warning to the knowledge category
func KnowledgeWarn(format string, args ...interface{}) {
	Get(CategoryKnowledge).Warn(format, args...)
}

// QA logs to the qa category
func QA(format string, args ...interface{}) {
	Get(CategoryQA).Info(format, args...)
}

// Browser logs to the browser category
func Browser(format string, args ...interface{}) {
	Get(CategoryBrowser).Info(format, args...)
}

// BrowserWarn logs warning to the browser category
func BrowserWarn(format string, args ...interface{}) {
	Get(CategoryBrowser).Warn(format, args...)
}

// LLM logs to the llm category
func LLM(format string, args ...interface{}) {
	Get(CategoryLLM).Info(format, args...)
}

// LLMDebug logs debug to the llm category
func LLMDebug(format string, args ...interface{}) {
	Get(CategoryLLM).Debug(format, args...)
}

// Embedding logs to the embedding category
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// Toolbox logs to the toolbox category
func Toolbox(format string, args ...interface{}) {
	Get(CategoryToolbox).Info(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
