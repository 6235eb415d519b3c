// Package cli holds the ambient concerns of the `dynamake` command line that
// don't belong in the engine itself: log-level wiring (spec.md §6's
// `--log-level` flag) and the step-instance-tagged output sink used by the
// action runner (C9).
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Level names the engine's log-level surface (spec.md §6). STDOUT/STDERR/
// WHY/FILE are DynaMake-specific framing levels layered on top of logrus's
// usual severities.
type Level string

const (
	LevelStdout Level = "STDOUT"
	LevelStderr Level = "STDERR"
	LevelInfo   Level = "INFO"
	LevelFile   Level = "FILE"
	LevelWhy    Level = "WHY"
	LevelTrace  Level = "TRACE"
	LevelDebug  Level = "DEBUG"
	LevelWarn   Level = "WARN"
)

// ParseLevel validates and normalizes a --log-level value.
func ParseLevel(raw string) (Level, error) {
	switch Level(raw) {
	case LevelStdout, LevelStderr, LevelInfo, LevelFile, LevelWhy, LevelTrace, LevelDebug, LevelWarn:
		return Level(raw), nil
	default:
		return "", fmt.Errorf("cli: unknown --log-level %q", raw)
	}
}

// NewLogger returns a logrus.Logger configured for lvl, writing to stderr so
// that --log-level STDOUT/STDERR framing of action output (handled
// separately by Sink) is never interleaved with engine diagnostics on the
// same stream.
func NewLogger(lvl Level) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}

	switch lvl {
	case LevelTrace:
		log.SetLevel(logrus.TraceLevel)
	case LevelDebug:
		log.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		log.SetLevel(logrus.WarnLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
