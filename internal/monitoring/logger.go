// Package monitoring provides the process-wide leveled logger.
//
// Output and verbosity are configured from the environment:
//
//	LOG_LEVEL        DEBUG, INFO, WARN or ERROR (default INFO)
//	LOG_TO_STDOUT    "true"/"false" (default true)
//	LOG_TO_FILE_BASE base path for a rotating log file (optional)
package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a log severity threshold.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// ParseLevel converts a level name to a Level. Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

var minLevel atomic.Int32

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetLevel changes the minimum level emitted by the leveled helpers.
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

// CurrentLevel returns the active minimum level.
func CurrentLevel() Level {
	return Level(minLevel.Load())
}

// Init configures the standard logger from the environment. The component name
// is appended to the log file base path so each process gets its own file.
func Init(component string) {
	SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))

	var writers []io.Writer
	toStdout := os.Getenv("LOG_TO_STDOUT")
	if toStdout == "" || strings.ToLower(toStdout) == "true" || toStdout == "1" {
		writers = append(writers, os.Stdout)
	}
	if base := os.Getenv("LOG_TO_FILE_BASE"); base != "" {
		filename := base
		if component != "" {
			filename += "_" + component
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   filename + ".log",
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		})
	}

	if len(writers) == 0 {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(io.MultiWriter(writers...))
	}
	log.SetFlags(log.LstdFlags | log.LUTC)
	if component != "" {
		log.SetPrefix(component + " ")
	}
}

func emit(l Level, format string, v ...interface{}) {
	if l < CurrentLevel() {
		return
	}
	Logf("[%s] %s", levelNames[l], fmt.Sprintf(format, v...))
}

// Debugf logs at DEBUG level.
func Debugf(format string, v ...interface{}) { emit(LevelDebug, format, v...) }

// Infof logs at INFO level.
func Infof(format string, v ...interface{}) { emit(LevelInfo, format, v...) }

// Warnf logs at WARN level.
func Warnf(format string, v ...interface{}) { emit(LevelWarn, format, v...) }

// Errorf logs at ERROR level.
func Errorf(format string, v ...interface{}) { emit(LevelError, format, v...) }
