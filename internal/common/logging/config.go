package logging

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

const (
	FormatText = "text"
	FormatJson = "json"
)

var validLogFormats = map[string]bool{
	FormatText: true,
	FormatJson: true,
}

// Config defines job manager logging configuration.
type Config struct {
	// Log level, e.g. info, error etc
	Level string `mapstructure:"level"`
	// Logging format, either text or json
	Format string `mapstructure:"format"`
	// If true, log lines are counted per level and exported to prometheus.
	ExportMetrics bool `mapstructure:"exportMetrics"`
}

func validate(c Config) error {
	if _, err := parseLogLevel(c.Level); err != nil {
		return err
	}
	return validateLogFormat(c.Format)
}

func validateLogFormat(f string) error {
	if _, ok := validLogFormats[f]; !ok {
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, maps.Keys(validLogFormats))
	}
	return nil
}

func parseLogLevel(level string) (log.Level, error) {
	if strings.TrimSpace(level) == "" {
		return log.InfoLevel, nil
	}
	l, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
	return l, nil
}
