package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Logger prints plain lines, or NDJSON events when verbose, and mirrors
// everything to an optional log file. It is safe for concurrent use.
type Logger struct {
	verbose bool
	out     io.Writer
	file    *os.File
	mu      sync.Mutex
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func NewLogger(verbose bool, logFile string) (*Logger, error) {
	l := &Logger{verbose: verbose, out: os.Stdout}
	if strings.TrimSpace(logFile) == "" {
		return l, nil
	}
	dir := filepath.Dir(logFile)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	return l, nil
}

func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *Logger) Verbose() bool { return l.verbose }

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, line)
	if l.file != nil {
		_, _ = l.file.WriteString(ansiEscape.ReplaceAllString(line, "") + "\n")
	}
}

func (l *Logger) Info(msg string) {
	if l.verbose {
		l.Event("info", map[string]any{"message": msg})
		return
	}
	l.writeLine(msg)
}

// Warn is printed in both modes.
func (l *Logger) Warn(msg string) {
	if l.verbose {
		l.Event("warning", map[string]any{"message": msg})
		return
	}
	l.writeLine("\x1b[33mwarning:\x1b[0m " + msg)
}

func (l *Logger) Event(event string, fields map[string]any) {
	if !l.verbose {
		return
	}
	m := map[string]any{"ts": time.Now().Format(time.RFC3339Nano), "event": event}
	for k, v := range fields {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	l.writeLine(string(b))
}
