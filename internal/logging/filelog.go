package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "MAESTRO_LOG_DIR"

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Category selects which log file a logger writes to.
type Category string

const (
	CategoryService Category = "service"
	CategoryLLM     Category = "llm"
	CategoryLatency Category = "latency"
)

var (
	serviceLogger   *FileLogger
	serviceOnce     sync.Once
	categoryMu      sync.Mutex
	categoryLoggers = make(map[Category]*FileLogger)
)

// FileLogger writes formatted log lines to a per-category log file.
type FileLogger struct {
	file       *os.File
	logger     *log.Logger
	level      Level
	mu         sync.Mutex
	component  string
	enableFile bool
	category   Category
}

// NewComponentLogger creates a service-category logger scoped to a component.
func NewComponentLogger(component string) *FileLogger {
	return NewCategorizedLogger(CategoryService, component)
}

// NewLatencyLogger creates a logger dedicated to latency instrumentation output.
func NewLatencyLogger(component string) *FileLogger {
	return NewCategorizedLogger(CategoryLatency, component)
}

// NewLLMLogger creates a logger that writes to the dedicated LLM log file.
func NewLLMLogger(component string) *FileLogger {
	return NewCategorizedLogger(CategoryLLM, component)
}

// NewCategorizedLogger creates a logger for a specific category and component.
func NewCategorizedLogger(category Category, component string) *FileLogger {
	base := getOrCreateCategoryLogger(category)
	return &FileLogger{
		file:       base.file,
		logger:     base.logger,
		level:      base.level,
		component:  component,
		enableFile: base.enableFile,
		category:   category,
	}
}

func getOrCreateCategoryLogger(category Category) *FileLogger {
	if category == CategoryService {
		serviceOnce.Do(func() {
			serviceLogger = newFileLogger(LevelDebug, category)
		})
		return serviceLogger
	}

	categoryMu.Lock()
	defer categoryMu.Unlock()

	if logger, ok := categoryLoggers[category]; ok {
		return logger
	}
	logger := newFileLogger(LevelDebug, category)
	categoryLoggers[category] = logger
	return logger
}

func newFileLogger(level Level, category Category) *FileLogger {
	l := &FileLogger{
		level:      level,
		enableFile: true,
		category:   category,
	}

	logDir, err := resolveLogDirectory()
	if err != nil {
		log.Printf("Failed to resolve log directory: %v", err)
		return l
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("Failed to create log directory %s: %v", logDir, err)
		return l
	}

	logPath := filepath.Join(logDir, logFileName(category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0) // formatted below
	return l
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

func logFileName(category Category) string {
	switch category {
	case CategoryLLM:
		return "maestro-llm.log"
	case CategoryLatency:
		return "maestro-latency.log"
	default:
		return "maestro-service.log"
	}
}

// SetLevel sets the minimum log level.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the underlying log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *FileLogger) log(level Level, format string, args ...any) {
	if level < l.level || !l.enableFile {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [SERVICE] [Engine] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "MAESTRO"
	}
	category := strings.ToUpper(string(l.category))
	if category == "" {
		category = "SERVICE"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), category, component, file, line, message)

	if l.logger != nil {
		l.logger.Print(logLine)
	}
	if os.Getenv("MAESTRO_SERVER_MODE") == "deploy" {
		fmt.Print(logLine)
	}
}

// Debug logs a debug message.
func (l *FileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }

// Info logs an info message.
func (l *FileLogger) Info(format string, args ...any) { l.log(LevelInfo, format, args...) }

// Warn logs a warning message.
func (l *FileLogger) Warn(format string, args ...any) { l.log(LevelWarn, format, args...) }

// Error logs an error message.
func (l *FileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func levelToString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
