// Package logging wires up structured logging: a logrus.Logger behind a
// small setup function, with a level per destination — a terse stderr
// stream gated by --quiet/--debug, and an always-verbose --logfile sink.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options mirrors the logging-relevant CLI flags.
type Options struct {
	// Debug raises the stderr stream to debug level and switches its
	// format to include timestamps.
	Debug bool
	// Quiet lowers the stderr stream to warnings and errors only.
	Quiet bool
	// LogFile, if set, receives every message at debug level regardless
	// of Debug/Quiet, with timestamps, independent of the stderr stream.
	LogFile string
	// Server tags every stderr line with "S|" instead of two spaces, so
	// the peer process's output is distinguishable from the driving
	// process's when both land on the same terminal.
	Server bool
}

// Setup builds the root logger entry the rest of the program logs through,
// plus a close function that flushes and releases the log file, if any.
func Setup(opts Options) (*logrus.Entry, func() error, error) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)

	prefix := "  "
	if opts.Server {
		prefix = "S|"
	}

	stderrLevel := logrus.InfoLevel

	switch {
	case opts.Debug:
		stderrLevel = logrus.DebugLevel
	case opts.Quiet:
		stderrLevel = logrus.WarnLevel
	}

	stderrFormat := &logrus.TextFormatter{DisableTimestamp: true}
	if opts.Debug {
		stderrFormat = &logrus.TextFormatter{FullTimestamp: true}
	}

	logger.AddHook(newWriterHook(os.Stderr, stderrLevel, stderrFormat, prefix))

	closeLogFile := func() error { return nil }

	if opts.LogFile != "" {
		file, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", opts.LogFile, err)
		}

		logger.AddHook(newWriterHook(file, logrus.DebugLevel, &logrus.TextFormatter{FullTimestamp: true}, prefix))
		closeLogFile = file.Close
	}

	return logrus.NewEntry(logger), closeLogFile, nil
}

// writerHook sends every entry at or above level to writer, formatted and
// prefixed. logrus.Logger dispatches one entry to every matching hook, so
// stderr and the log file can run at different verbosities from the same
// logger.
type writerHook struct {
	writer    io.Writer
	level     logrus.Level
	formatter logrus.Formatter
	prefix    string
}

func newWriterHook(w io.Writer, level logrus.Level, f logrus.Formatter, prefix string) *writerHook {
	return &writerHook{writer: w, level: level, formatter: f, prefix: prefix}
}

func (h *writerHook) Levels() []logrus.Level {
	return logrus.AllLevels[:h.level+1]
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	_, err = h.writer.Write(append([]byte(h.prefix), line...))

	return err
}
