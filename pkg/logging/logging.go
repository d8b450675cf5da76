// Package logging builds the leveled, tagged loggers used across sdshim.
//
// Loggers are go-log loggers backed by logrus, so they can be handed directly
// to the FTP server as well as used by the shim and the checker task.
package logging

import (
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/fclairamb/go-log"
	gklogrus "github.com/fclairamb/go-log/logrus"
	lognoop "github.com/fclairamb/go-log/noop"
	"github.com/sirupsen/logrus"
)

// Log levels, from the most to the least verbose. LevelNone silences the
// logger entirely.
const (
	LevelNone    = "none"
	LevelVerbose = "verbose"
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarn    = "warn"
	LevelError   = "error"
)

const timestampFormat = "15:04:05.000"

var ErrUnknownLevel = errors.New("unknown log level")

// ParseLevel maps a level name onto the logrus level it enables.
func ParseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case LevelNone:
		return logrus.PanicLevel, nil
	case LevelVerbose, "trace":
		return logrus.TraceLevel, nil
	case LevelDebug, "":
		return logrus.DebugLevel, nil
	case LevelInfo:
		return logrus.InfoLevel, nil
	case LevelWarn, "warning":
		return logrus.WarnLevel, nil
	case LevelError:
		return logrus.ErrorLevel, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
}

// New returns a logger writing timestamped text lines to out.
func New(level string, out io.Writer) (log.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(level), LevelNone) {
		out = io.Discard
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})
	return gklogrus.NewWrap(l), nil
}

// Tag scopes a logger to a component, the way every line of the firmware log
// carried the name of the unit that produced it.
func Tag(logger log.Logger, tag string) log.Logger {
	if logger == nil {
		logger = Nop()
	}
	return logger.With("tag", tag)
}

// Verbose returns logger when level enables verbose output and a silent
// logger otherwise. It carries the lines go-log has no trace level for.
func Verbose(level string, logger log.Logger) log.Logger {
	lvl, err := ParseLevel(level)
	if err != nil || lvl != logrus.TraceLevel || logger == nil {
		return Nop()
	}
	return logger
}

// Nop returns a logger that drops everything.
func Nop() log.Logger {
	return lognoop.NewNoOpLogger()
}
