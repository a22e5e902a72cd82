// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alphaprotocol/apnode/apn"
	"github.com/jrick/logrotate/rotator"
)

const maxLogRolls = 16

// logWriter implements an io.Writer that outputs to both stdout and a
// rotating log file.
type logWriter struct {
	*rotator.Rotator
}

// Write writes the data in p to stdout and the log file.
func (w logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	return w.Rotator.Write(p)
}

// initLogging initializes the logging rotator to write logs to logFilename
// and create roll files in the same directory. The returned close function
// must be called on application shutdown.
func initLogging(logFilename, lvl string, utc bool) (*apn.LoggerMaker, func(), error) {
	err := os.MkdirAll(filepath.Dir(logFilename), 0700)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err := rotator.New(logFilename, 32*1024, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	lm, err := apn.NewLoggerMaker(logWriter{logRotator}, lvl, utc)
	if err != nil {
		logRotator.Close()
		return nil, nil, fmt.Errorf("failed to create logger maker: %w", err)
	}
	return lm, func() { logRotator.Close() }, nil
}
