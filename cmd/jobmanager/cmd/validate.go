package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validateConfig",
		Short: "Loads and validates the configuration without starting the job manager",
		RunE:  validateConfig,
	}
	return cmd
}

func validateConfig(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	log.Infof("Configuration is valid: %d labs, %s bus, %s job store", len(config.Labs), config.Bus.Type, config.Store.Type)
	return nil
}
