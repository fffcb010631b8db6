package config

import (
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	// Local development keeps overrides in a .env file; absence is fine.
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded environment overrides from .env")
	}

	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":3000")
	v.SetDefault("server.connectionLimit.maxPerIP", 0)
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("rooms.emptyGracePeriod", "5m")
	v.SetDefault("rooms.sweepInterval", "1m")
	v.SetDefault("rooms.maxHistory", 0)
	v.SetDefault("upload.dir", "uploads")
	v.SetDefault("upload.urlPrefix", "/uploads")
	v.SetDefault("upload.maxSizeBytes", 10<<20)

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("ROOMCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
