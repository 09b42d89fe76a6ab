package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds fbcap settings. CLI flags override whatever is loaded here.
type Config struct {
	Driver         string `mapstructure:"driver"`
	Display        string `mapstructure:"display"`
	FPS            int    `mapstructure:"fps"`
	Residency      string `mapstructure:"residency"`
	Cursor         bool   `mapstructure:"cursor"`
	GrabTimeoutMs  int    `mapstructure:"grab_timeout_ms"`
	DirectAttempts int    `mapstructure:"direct_attempts"`
	MaxReinits     int    `mapstructure:"max_reinits"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Sim SimConfig `mapstructure:"sim"`
}

// SimConfig shapes the simulated driver used with driver "sim".
type SimConfig struct {
	Outputs        int  `mapstructure:"outputs"`
	Width          int  `mapstructure:"width"`
	Height         int  `mapstructure:"height"`
	Direct         bool `mapstructure:"direct"`
	NotDirectGrabs int  `mapstructure:"not_direct_grabs"`
}

func Default() *Config {
	return &Config{
		Driver:         "nvfbc",
		FPS:            60,
		Residency:      "device",
		GrabTimeoutMs:  150,
		DirectAttempts: 3,
		MaxReinits:     5,
		LogLevel:       "info",
		LogFormat:      "text",
		Sim: SimConfig{
			Outputs: 2,
			Width:   1920,
			Height:  1080,
			Direct:  true,
		},
	}
}

// Load reads cfgFile, or fbcap.yaml from /etc/fbcap or the working
// directory when cfgFile is empty. FBCAP_* environment variables override
// file values; nested keys use underscores, e.g. FBCAP_SIM_OUTPUTS.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("fbcap")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FBCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

const configDir = "/etc/fbcap"

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("driver", cfg.Driver)
	v.SetDefault("display", cfg.Display)
	v.SetDefault("fps", cfg.FPS)
	v.SetDefault("residency", cfg.Residency)
	v.SetDefault("cursor", cfg.Cursor)
	v.SetDefault("grab_timeout_ms", cfg.GrabTimeoutMs)
	v.SetDefault("direct_attempts", cfg.DirectAttempts)
	v.SetDefault("max_reinits", cfg.MaxReinits)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("sim.outputs", cfg.Sim.Outputs)
	v.SetDefault("sim.width", cfg.Sim.Width)
	v.SetDefault("sim.height", cfg.Sim.Height)
	v.SetDefault("sim.direct", cfg.Sim.Direct)
	v.SetDefault("sim.not_direct_grabs", cfg.Sim.NotDirectGrabs)
}
