package logging

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/heroku/color"
)

const (
	errorLevelText = "ERROR: "
	warnLevelText  = "Warning: "
	lineFeed       = '\n'

	// log level to use when quiet is true
	quietLevel = log.WarnLevel
	// log level to use when verbose is true
	verboseLevel = log.DebugLevel
	// time format the out logging uses
	timeFmt = "2006/01/02 15:04:05.000000"
)

// LogWithWriters is a logger used with the dockerbuild CLI, allowing users to
// print logs for various levels, including Info, Debug and Error.
type LogWithWriters struct {
	sync.Mutex
	log.Logger
	wantTime bool
	clock    func() time.Time
	out      io.Writer
	errOut   io.Writer
}

// NewLogWithWriters creates a logger to be used with the dockerbuild CLI.
func NewLogWithWriters(stdout, stderr io.Writer, opts ...func(*LogWithWriters)) *LogWithWriters {
	lw := &LogWithWriters{
		Logger: log.Logger{
			Level: log.InfoLevel,
		},
		wantTime: false,
		clock:    time.Now,
		out:      stdout,
		errOut:   stderr,
	}
	lw.Logger.Handler = lw

	for _, opt := range opts {
		opt(lw)
	}

	return lw
}

// WithClock is an option used to initialize a LogWithWriters with a given clock function.
func WithClock(clock func() time.Time) func(lw *LogWithWriters) {
	return func(lw *LogWithWriters) {
		lw.clock = clock
	}
}

// WithVerbose is an option used to initialize a LogWithWriters with verbose logging.
func WithVerbose() func(lw *LogWithWriters) {
	return func(lw *LogWithWriters) {
		lw.Level = log.DebugLevel
	}
}

// HandleLog handles log events, printing entries appropriately.
func (lw *LogWithWriters) HandleLog(e *log.Entry) error {
	lw.Lock()
	defer lw.Unlock()

	writer := lw.writerForLevel(e.Level)

	prefix := formatLevel(e.Level)
	if lw.wantTime {
		ts := lw.clock().Format(timeFmt)
		_, err := fmt.Fprintf(writer, "%s %s%s%c", ts, prefix, e.Message, lineFeed)
		return err
	}

	_, err := fmt.Fprintf(writer, "%s%s%c", prefix, e.Message, lineFeed)
	return err
}

// Writer returns the base writer for raw output.
func (lw *LogWithWriters) Writer() io.Writer {
	return lw.out
}

// WantTime turns timestamps in output on or off.
func (lw *LogWithWriters) WantTime(f bool) {
	lw.wantTime = f
}

// WantQuiet reduces the number of logs returned.
func (lw *LogWithWriters) WantQuiet(f bool) {
	if f {
		lw.Level = quietLevel
	}
}

// WantVerbose increases the number of logs returned.
func (lw *LogWithWriters) WantVerbose(f bool) {
	if f {
		lw.Level = verboseLevel
	}
}

// IsVerbose returns whether verbose logging is on.
func (lw *LogWithWriters) IsVerbose() bool {
	return lw.Level == log.DebugLevel
}

func (lw *LogWithWriters) writerForLevel(level log.Level) io.Writer {
	if level == log.ErrorLevel {
		return lw.errOut
	}
	return lw.out
}

func formatLevel(ll log.Level) string {
	switch ll {
	case log.ErrorLevel:
		return color.RedString(errorLevelText)
	case log.WarnLevel:
		return color.YellowString(warnLevelText)
	}
	return ""
}
