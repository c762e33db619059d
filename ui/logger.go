package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

const LogFile = "healthguard.log"

// NewFileLogger opens path for appending and returns a logger writing to
// it. While the terminal UI owns the screen all logging goes here.
func NewFileLogger(path string, level log.Level) (*log.Logger, func() error, error) {
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := log.NewWithOptions(logFile, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		Level:           level,
	})
	return logger, logFile.Close, nil
}
