package log

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	// LogVerbosityFlag is the name of the verbosity flag.
	LogVerbosityFlag = "verbosity"
	// LogFormatFlag is the name of the log format flag.
	LogFormatFlag = "log-format"
	// LogOutputFlag is the name of the log output flag.
	LogOutputFlag = "log-output"

	formatText = "text"
	formatJSON = "json"

	outputStderr = "stderr"
	outputStdout = "stdout"
)

// Config represents the logging configuration.
type Config struct {
	Verbosity int
	Format    string
	Output    string
}

// Configure applies the supplied config to the standard logrus logger.
func Configure(cfg *Config) error {
	switch {
	case cfg.Verbosity <= 0:
		logrus.SetLevel(logrus.InfoLevel)
	case cfg.Verbosity == 1:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.TraceLevel)
	}

	switch strings.ToLower(cfg.Format) {
	case formatText, "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case formatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return invalidLogFormatError{format: cfg.Format}
	}

	switch strings.ToLower(cfg.Output) {
	case outputStderr, "":
		logrus.SetOutput(os.Stderr)
	case outputStdout:
		logrus.SetOutput(os.Stdout)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log output %s: %w", cfg.Output, err)
		}
		logrus.SetOutput(file)
	}

	return nil
}

// AddFlagsToCommand adds the logging flags to the supplied command.
func AddFlagsToCommand(cmd *cobra.Command, cfg *Config) {
	cmd.PersistentFlags().IntVarP(&cfg.Verbosity,
		LogVerbosityFlag,
		"v",
		0,
		"The verbosity level of the logging. 0 is info, 1 is debug, 2+ is trace.")

	cmd.PersistentFlags().StringVar(&cfg.Format,
		LogFormatFlag,
		formatText,
		"The format of the logging output. Can be 'text' or 'json'.")

	cmd.PersistentFlags().StringVar(&cfg.Output,
		LogOutputFlag,
		outputStderr,
		"The output for the logging. Can be 'stderr', 'stdout' or a file path.")
}

type logCtxKey struct{}

// GetLogger returns the logger from the context, or the standard logger.
func GetLogger(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(logCtxKey{}).(*logrus.Entry); ok {
		return logger
	}

	return logrus.NewEntry(logrus.StandardLogger())
}

// WithLogger stores the supplied logger in the context.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, logCtxKey{}, logger)
}
