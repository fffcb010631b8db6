package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Rooms     RoomsConfig
	Upload    UploadConfig
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	// MaxPerIP caps concurrent connections from one address; 0 disables the cap.
	MaxPerIP int `mapstructure:"maxPerIP"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type RoomsConfig struct {
	// EmptyGracePeriod is how long an empty room keeps its message log before
	// the janitor reclaims it. Zero retains empty rooms forever.
	EmptyGracePeriod time.Duration `mapstructure:"emptyGracePeriod"`
	SweepInterval    time.Duration `mapstructure:"sweepInterval"`
	// MaxHistory caps the retained messages per room; 0 keeps everything.
	MaxHistory int `mapstructure:"maxHistory"`
}

type UploadConfig struct {
	Dir          string `mapstructure:"dir"`
	URLPrefix    string `mapstructure:"urlPrefix"`
	MaxSizeBytes int64  `mapstructure:"maxSizeBytes"`
}
