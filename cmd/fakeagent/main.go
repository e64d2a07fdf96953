package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/liveq/jobmanager/internal/common"
	"github.com/liveq/jobmanager/internal/common/app"
	"github.com/liveq/jobmanager/internal/common/logging"
	"github.com/liveq/jobmanager/internal/fakeagent"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config fakeagent.AppConfig
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/fakeagent", userSpecifiedConfigs)
	if err := config.Validate(); err != nil {
		log.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}
	logging.MustConfigureLogging(config.Logging)

	if err := fakeagent.StartUp(app.CreateContextWithShutdown(), config); err != nil {
		log.WithError(err).Error("Fake agents failed")
		os.Exit(1)
	}
}
