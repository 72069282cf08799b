// Package lalog formats and prints log messages in a consistent shape used
// across every component of the bridge, and keeps a small amount of recent
// history in memory (LatestLogs, LatestWarnings).
package lalog

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	// NumLatestLogEntries is how many recent log lines are kept in memory.
	NumLatestLogEntries = 256
	// MaxLogMessagesPerSec caps how many warning messages a single Logger
	// will print in a second for any one function name, guarding against a
	// noisy peer or a retry storm flooding stderr.
	MaxLogMessagesPerSec = 100
)

// LatestLogs holds the most recent log entries of any severity.
var LatestLogs = NewRingBuffer(NumLatestLogEntries)

// LatestWarnings holds the most recent entries logged via Warning, and Info
// entries that carry an error.
var LatestWarnings = NewRingBuffer(NumLatestLogEntries)

// StartupTime records when the process began.
var StartupTime = time.Now()

// Logger prints log messages carrying a consistent ComponentName[ComponentID]
// prefix, e.g. "smtp[127.0.0.1:51220].readCommand: Error ... - connection reset".
type Logger struct {
	ComponentName string
	ComponentID   string

	rateLimit *RateLimit
}

func (logger *Logger) ensureRateLimit() *RateLimit {
	if logger.rateLimit == nil {
		logger.rateLimit = NewRateLimit(1, MaxLogMessagesPerSec)
	}
	return logger.rateLimit
}

// Format renders a log message without printing it, in the shape
// "ComponentName[ComponentID].functionName(actorName): Error "msg" - rest".
// Any of the four prefix pieces may be absent; the separators that depend on
// them are only written when there is something to separate.
func (logger *Logger) Format(functionName, actorName string, err error, template string, values ...interface{}) string {
	origin := logger.ComponentName
	if logger.ComponentID != "" {
		origin += fmt.Sprintf("[%s]", logger.ComponentID)
	}

	site := functionName
	if actorName != "" {
		site += fmt.Sprintf("(%s)", actorName)
	}

	var msg bytes.Buffer
	msg.WriteString(origin)
	if origin != "" && site != "" {
		msg.WriteRune('.')
	}
	msg.WriteString(site)
	if msg.Len() > 0 {
		msg.WriteString(": ")
	}
	if err != nil {
		msg.WriteString(fmt.Sprintf("Error %q - ", err.Error()))
	}
	msg.WriteString(fmt.Sprintf(template, values...))
	return msg.String()
}

func (logger *Logger) remember(buf *RingBuffer, msg string) {
	buf.Push(time.Now().Format("2006-01-02 15:04:05 ") + msg)
}

// Info prints an informational message and keeps it in LatestLogs.
func (logger *Logger) Info(functionName, actorName string, err error, template string, values ...interface{}) {
	msg := logger.Format(functionName, actorName, err, template, values...)
	log.Print(msg)
	logger.remember(LatestLogs, msg)
	if err != nil {
		logger.remember(LatestWarnings, msg)
	}
}

// Warning prints a warning message, subject to a per-logger rate limit
// counted separately for each functionName, so a single misbehaving peer
// cannot flood the process log.
func (logger *Logger) Warning(functionName, actorName string, err error, template string, values ...interface{}) {
	if !logger.ensureRateLimit().Add(functionName) {
		return
	}
	msg := logger.Format(functionName, actorName, err, template, values...)
	log.Print(msg)
	logger.remember(LatestLogs, msg)
	logger.remember(LatestWarnings, msg)
}

// Fatal prints the message and terminates the process, used only for
// startup-class failures.
func (logger *Logger) Fatal(functionName, actorName string, err error, template string, values ...interface{}) {
	log.Fatal(logger.Format(functionName, actorName, err, template, values...))
}

// MaybeMinorError logs err at Info level unless it is nil or describes an
// ordinary connection teardown, which is not worth a log line on its own.
func (logger *Logger) MaybeMinorError(functionName string, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	for _, sub := range []string{"closed", "broken pipe", "EOF", "reset by peer"} {
		if strings.Contains(msg, sub) {
			return
		}
	}
	logger.Info(functionName, "", err, "minor error")
}
