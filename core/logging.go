package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// SessionLogger implements Logger with leveled, structured output. JSON
// format suits log aggregation in clusters; text suits local development.
// Safe for concurrent use.
type SessionLogger struct {
	mu      sync.Mutex
	level   int
	format  string
	service string
	output  io.Writer
}

var levelRank = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

// NewSessionLogger creates a logger for the named session. Unknown levels
// fall back to INFO; unknown formats fall back to json.
func NewSessionLogger(service, level, format string) *SessionLogger {
	rank, ok := levelRank[strings.ToUpper(level)]
	if !ok {
		rank = levelRank["INFO"]
	}
	if format != "json" && format != "text" {
		format = "json"
	}
	return &SessionLogger{
		level:   rank,
		format:  format,
		service: service,
		output:  os.Stdout,
	}
}

// SetOutput redirects log output, mainly for tests.
func (l *SessionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

func (l *SessionLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *SessionLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *SessionLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }
func (l *SessionLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *SessionLogger) log(level, msg string, fields map[string]interface{}) {
	if levelRank[level] < l.level {
		return
	}
	timestamp := time.Now().Format(time.RFC3339)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *SessionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.service,
		"message":   msg,
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "service" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *SessionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var sb strings.Builder
	if len(fields) > 0 {
		sb.WriteString(" ")
		if err, ok := fields["error"]; ok {
			sb.WriteString(fmt.Sprintf("error=%q ", fmt.Sprintf("%v", err)))
		}
		for k, v := range fields {
			if k == "error" {
				continue
			}
			sb.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, l.service, msg, sb.String())
}
