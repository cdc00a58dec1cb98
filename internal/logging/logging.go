// Package logging provides aimager's call-site-annotated stderr logger.
package logging

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
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

var current = levelFromEnv()

func levelFromEnv() Level {
	switch strings.ToUpper(os.Getenv("AIMAGER_LOG_LEVEL")) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func init() {
	log.SetFlags(0)
}

func callerName() string {
	pc, _, line, ok := runtime.Caller(2)
	if !ok {
		return "?"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "?"
	}
	name := fn.Name()
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		name = name[idx+1:]
	}
	return fmt.Sprintf("%s@%d", name, line)
}

func logf(level Level, format string, args ...interface{}) {
	if level < current {
		return
	}
	log.Printf("[aimager:%s] %s: %s", level, callerName(), fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{}) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...interface{})  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...interface{})  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...interface{}) { logf(LevelError, format, args...) }

// Fatalf logs at error level and exits the process with status 1.
func Fatalf(format string, args ...interface{}) {
	logf(LevelError, format, args...)
	os.Exit(1)
}
