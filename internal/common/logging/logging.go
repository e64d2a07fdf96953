package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// ConfigureLogging sets up the standard logrus logger suitable for an application.
func ConfigureLogging(config Config) error {
	return configure(log.StandardLogger(), os.Stdout, config)
}

// MustConfigureLogging calls ConfigureLogging and exits the process if the config is invalid.
func MustConfigureLogging(config Config) {
	if err := ConfigureLogging(config); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error initializing logging: "+err.Error())
		os.Exit(1)
	}
}

// ConfigureCommandLineLogging sets up plain message-only logging for command line tools.
func ConfigureCommandLineLogging() {
	log.SetFormatter(new(CommandLineFormatter))
	log.SetOutput(os.Stdout)
}

func configure(logger *log.Logger, out io.Writer, config Config) error {
	if config.Format == "" {
		config.Format = FormatText
	}
	if err := validate(config); err != nil {
		return err
	}
	level, _ := parseLogLevel(config.Level)
	logger.SetLevel(level)
	logger.SetOutput(out)
	if config.Format == FormatJson {
		logger.SetFormatter(&log.JSONFormatter{TimestampFormat: RFC3339Milli})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli})
	}
	if config.ExportMetrics {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			return err
		}
		logger.AddHook(hook)
	}
	return nil
}

// CommandLineFormatter prints only the message, for use by CLI tools.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%s\n", entry.Message)), nil
}
