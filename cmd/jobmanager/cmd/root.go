package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liveq/jobmanager/internal/common"
	commonconfig "github.com/liveq/jobmanager/internal/common/config"
	"github.com/liveq/jobmanager/internal/jobmanager/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobmanager",
		SilenceUsage: true,
		Short:        "Schedules LiveQ generator jobs across agents and merges their histograms",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
		validateCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/jobmanager", userSpecifiedConfigs)

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
