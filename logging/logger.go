package logging

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Settings controls how component loggers are built.
type Settings struct {
	Level  string
	Format string // text, json or empty for auto
	Output io.Writer
}

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	settings  Settings

	// debugLogger is the logger for debug messages.
	// By default, it discards output.
	debugLogger = log.New(io.Discard, "DEBUG ", log.LstdFlags|log.Lshortfile)
)

// Configure replaces the settings used by NewLogger and drops cached loggers
// so that subsequent calls pick up the new level and formatter.
func Configure(s Settings) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	settings = s
	loggers = make(map[string]*logrus.Entry)
}

// NewLogger creates and returns a pre-configured logger for a specific component.
// Loggers are cached per component.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := logrus.New()

	levelStr := "info"
	if env := os.Getenv("IMPORT_DESK_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if settings.Level != "" {
		levelStr = settings.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	out := settings.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	switch strings.ToLower(settings.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		// Structured output when stderr is piped or collected, readable text otherwise.
		if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
	}

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

// EnableDebug enables debug logging by setting the output to stderr.
func EnableDebug() {
	EnableDebugWithWriter(os.Stderr)
}

// EnableDebugWithWriter enables debug logging and writes to the provided writer.
// Falls back to stderr when writer is nil.
func EnableDebugWithWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	debugLogger.SetOutput(w)
}

// Debugf formats and writes a debug message if debug logging is enabled.
func Debugf(format string, v ...interface{}) {
	debugLogger.Printf(format, v...)
}
