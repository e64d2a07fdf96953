package common

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/liveq/jobmanager/internal/common/config"
)

const baseConfigFileName = "config"

// EnvPrefix is the prefix of environment variables overriding configuration keys, e.g. LIVEQ_METRICSPORT.
const EnvPrefix = "LIVEQ"

// BindCommandlineArguments binds the parsed command line flags to viper.
func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads config.yaml from defaultPath, merges every user specified file on top of it, applies environment
// overrides and unmarshals the result into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) *viper.Viper {
	v, err := ReadConfig(config, defaultPath, overrideConfigs)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	return v
}

// ReadConfig is LoadConfig without exiting the process on error.
func ReadConfig(config interface{}, defaultPath string, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrapf(err, "error reading base config from %s", defaultPath)
		}
		log.Infof("No base config found in %s, using defaults", defaultPath)
	}
	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}

// ConfigureLogging sets up plain text logging before the real logging configuration has been read.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

