// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package apn

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Logger is the logging interface handed to every subsystem. All logging
// should take place through a provided Logger.
type Logger interface {
	slog.Logger
	// SubLogger creates a new Logger for a subsystem of the parent.
	SubLogger(name string) Logger
	// FileLogger creates a logger that logs to the file rotator, at the same
	// level as the parent.
	FileLogger(r *rotator.Rotator) Logger
}

// logger implements Logger on top of a slog backend.
type logger struct {
	slog.Logger
	name    string
	levels  map[string]slog.Level
	backend *slog.Backend
}

// SubLogger creates a new Logger for the subsystem with the given name,
// inheriting the parent's level unless the subsystem has its own configured
// level.
func (lgr *logger) SubLogger(name string) Logger {
	combinedName := fmt.Sprintf("%s[%s]", lgr.name, name)
	newLgr := lgr.backend.Logger(combinedName)
	newLgr.SetLevel(lgr.Level())
	if lvl, found := lgr.levels[name]; found {
		newLgr.SetLevel(lvl)
	}
	return &logger{
		Logger:  newLgr,
		name:    combinedName,
		levels:  lgr.levels,
		backend: lgr.backend,
	}
}

// FileLogger creates a logger writing to the file rotator at the same level
// as the parent.
func (lgr *logger) FileLogger(r *rotator.Rotator) Logger {
	backend := slog.NewBackend(r)
	newLgr := backend.Logger(lgr.name)
	newLgr.SetLevel(lgr.Level())
	return &logger{
		Logger:  newLgr,
		name:    lgr.name,
		levels:  lgr.levels,
		backend: backend,
	}
}

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a single level or
// subsystem=level pairs and creates a LoggerMaker writing to the provided
// io.Writer.
func NewLoggerMaker(writer io.Writer, debugLevel string, utc bool) (*LoggerMaker, error) {
	var opts []slog.BackendOption
	if utc {
		opts = append(opts, slog.WithFlags(slog.LUTC))
	}
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer, opts...),
		Levels:       make(map[string]slog.Level),
		DefaultLevel: slog.LevelDebug,
	}

	if debugLevel == "" {
		return lm, nil
	}

	// When the specified string doesn't have any delimiters, treat it as the
	// log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("the specified debug level [%s] is invalid", debugLevel)
		}
		lm.DefaultLevel = lvl
		return lm, nil
	}

	// Split the specified string into subsystem/level pairs and validate.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return nil, fmt.Errorf("the specified debug level contains an invalid subsystem/level pair [%s]", logLevelPair)
		}
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("the specified debug level has an invalid format [%s]", logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]
		lvl, ok := slog.LevelFromString(logLevel)
		if !ok {
			return nil, fmt.Errorf("the specified debug level [%s] is invalid", logLevel)
		}
		lm.Levels[subsysID] = lvl
	}

	return lm, nil
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	// Use the parent logger's log level, if set.
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	lgr := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	lgr.SetLevel(level)
	return &logger{
		Logger:  lgr,
		name:    fmt.Sprintf("%s[%s]", parent, name),
		levels:  lm.Levels,
		backend: lm.Backend,
	}
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	lgr := lm.Backend.Logger(name)
	lgr.SetLevel(lvl)
	return &logger{
		Logger:  lgr,
		name:    name,
		levels:  lm.Levels,
		backend: lm.Backend,
	}
}

// Logger creates a logger with the provided name, using the log level for
// that name if it was set, otherwise the default log level. This differs from
// NewLogger, which does not look in the Levels map for the name.
func (lm *LoggerMaker) Logger(name string) Logger {
	lgr := lm.Backend.Logger(name)
	lgr.SetLevel(lm.bestLevel(name))
	return &logger{
		Logger:  lgr,
		name:    name,
		levels:  lm.Levels,
		backend: lm.Backend,
	}
}

// bestLevel takes a hierarchical list of logger names, least important to most
// important, and returns the best log level found in the Levels map, else the
// default.
func (lm *LoggerMaker) bestLevel(lvls ...string) slog.Level {
	lvl := lm.DefaultLevel
	for _, l := range lvls {
		lev, found := lm.Levels[l]
		if found {
			lvl = lev
		}
	}
	return lvl
}

// StdOutLogger creates a Logger with the provided name and log level, printing
// to standard out.
func StdOutLogger(name string, lvl slog.Level) Logger {
	backend := slog.NewBackend(os.Stdout)
	lgr := backend.Logger(name)
	lgr.SetLevel(lvl)
	return &logger{
		Logger:  lgr,
		name:    name,
		levels:  make(map[string]slog.Level),
		backend: backend,
	}
}
