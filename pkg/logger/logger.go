package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
)

// LogLevel defines the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

// Color codes for console output
const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	purple = "\033[35m"
)

// Logger is a leveled console logger with printf-style and key/value methods.
type Logger struct {
	mu     sync.Mutex
	level  LogLevel
	output io.Writer
	color  bool
	exit   func(int)
}

// New creates a new Logger writing to stdout
func New(level LogLevel) *Logger {
	return &Logger{
		level:  level,
		output: os.Stdout,
		color:  true,
		exit:   os.Exit,
	}
}

// NewWithWriter creates a Logger without colors writing to w.
func NewWithWriter(level LogLevel, w io.Writer) *Logger {
	return &Logger{
		level:  level,
		output: w,
		exit:   os.Exit,
	}
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return NewWithWriter(FATAL+1, io.Discard)
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// getCallerInfo retrieves file and line of the caller
func getCallerInfo(skip int) (string, int) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???", 0
	}

	parts := strings.Split(file, "/")
	if len(parts) > 3 {
		file = strings.Join(parts[len(parts)-3:], "/")
	}

	return file, line
}

// colorForLevel returns the color based on log level
func colorForLevel(level LogLevel) string {
	switch level {
	case DEBUG:
		return blue
	case INFO:
		return green
	case WARN:
		return yellow
	case ERROR:
		return red
	case FATAL:
		return purple
	default:
		return reset
	}
}

// write renders one entry. Frames: getCallerInfo, write, logf/logw, public method, caller.
func (l *Logger) write(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	file, line := getCallerInfo(4)

	tag := "[" + levelNames[level] + "]"
	if l.color {
		tag = colorForLevel(level) + tag + reset
	}
	entry := fmt.Sprintf("%s %s:%d - %s\n", tag, file, line, msg)

	l.mu.Lock()
	fmt.Fprint(l.output, entry)
	l.mu.Unlock()

	if level == FATAL {
		l.exit(1)
	}
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	l.write(level, fmt.Sprintf(format, v...))
}

func (l *Logger) logw(level LogLevel, msg string, kv ...interface{}) {
	l.write(level, msg+formatPairs(kv))
}

// formatPairs renders key/value pairs as " key=value ...". A trailing key
// without a value is reported as MISSING.
func formatPairs(kv []interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteByte(' ')
		fmt.Fprint(&b, kv[i])
		b.WriteByte('=')
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%v", kv[i+1])
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) { l.logf(DEBUG, format, v...) }

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) { l.logf(INFO, format, v...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) { l.logf(WARN, format, v...) }

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) { l.logf(ERROR, format, v...) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(format string, v ...interface{}) { l.logf(FATAL, format, v...) }

// Debugw logs a message with key/value context
func (l *Logger) Debugw(msg string, kv ...interface{}) { l.logw(DEBUG, msg, kv...) }

// Infow logs a message with key/value context
func (l *Logger) Infow(msg string, kv ...interface{}) { l.logw(INFO, msg, kv...) }

// Warnw logs a message with key/value context
func (l *Logger) Warnw(msg string, kv ...interface{}) { l.logw(WARN, msg, kv...) }

// Errorw logs a message with key/value context
func (l *Logger) Errorw(msg string, kv ...interface{}) { l.logw(ERROR, msg, kv...) }

// Fatalw logs a message with key/value context and exits
func (l *Logger) Fatalw(msg string, kv ...interface{}) { l.logw(FATAL, msg, kv...) }
