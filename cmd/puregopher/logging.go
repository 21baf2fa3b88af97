package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

// configureLogging applies PG_LOG_LEVEL and PG_LOG_FORMAT to the default
// logger. Prefixed child loggers created afterwards inherit both.
func configureLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
	})
	switch format {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	default:
		logger.SetFormatter(log.TextFormatter)
	}
	log.SetDefault(logger)
	return nil
}
