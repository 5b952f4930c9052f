// Package logging provides ixchel's leveled daemon logger, matching the
// shape of the teacher's daemonLogger (Info/Warn/Error with key-value
// pairs) backed by a rotating file via lumberjack.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the leveled logging interface used throughout the daemon.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

type logger struct {
	std *log.Logger
}

// New builds a Logger that writes to both stderr and a rotating file at
// path (empty path disables file output). Rotation mirrors the teacher's
// gopkg.in/natefinch/lumberjack.v2 dependency: 10MB per file, 5 backups,
// 28 days retention.
func New(path string) Logger {
	var w io.Writer = os.Stderr
	if path != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, fileWriter)
	}
	return &logger{std: log.New(w, "", log.LstdFlags)}
}

func (l *logger) Info(msg string, kv ...any)  { l.log("INFO", msg, kv...) }
func (l *logger) Warn(msg string, kv ...any)  { l.log("WARN", msg, kv...) }
func (l *logger) Error(msg string, kv ...any) { l.log("ERROR", msg, kv...) }

func (l *logger) log(level, msg string, kv ...any) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	l.std.Println(b.String())
}

// Nop returns a Logger that discards everything, for tests.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
