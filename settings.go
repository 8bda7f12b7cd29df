package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
	"github.com/dgnsrekt/ttsdispatch/internal/state"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envConfig holds process-level switches that only make sense as
// environment variables.
type envConfig struct {
	Debug     bool   `env:"TTSD_DEBUG"`
	LogLevel  string `env:"TTSD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TTSD_LOG_FORMAT" envDefault:"text"`
}

// settings are the daemon options read from ttsd.yml, TTSD_* variables
// and flags.
type settings struct {
	Listen         string
	DispatchConfig string
	Watch          bool
	Strategy       string

	NatsURL        string
	NatsSubject    string
	NatsQueue      string
	NatsConcurrent int

	CacheDisabled bool
	CacheDir      string
	CacheMemoryMB int
	CacheDiskMB   int

	HealthInterval  time.Duration
	CleanupInterval time.Duration
	MemoryLimitMB   int
}

func setDefaults() {
	viper.SetDefault("listen", "127.0.0.1:8765")
	viper.SetDefault("dispatch_config", "")
	viper.SetDefault("watch", true)
	viper.SetDefault("retry.strategy", "constant")

	viper.SetDefault("nats.url", "")
	viper.SetDefault("nats.subject", "tts.requests")
	viper.SetDefault("nats.queue", "ttsd")
	viper.SetDefault("nats.concurrency", 4)

	viper.SetDefault("cache.disabled", false)
	viper.SetDefault("cache.dir", "")
	viper.SetDefault("cache.memory_mb", 64)
	viper.SetDefault("cache.disk_mb", 512)

	viper.SetDefault("state.health_interval", state.DefaultHealthInterval)
	viper.SetDefault("state.cleanup_interval", state.DefaultCleanupInterval)
	viper.SetDefault("state.memory_limit_mb", 500)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}

// loadSettings re-reads the settings file given with --config and
// collects the merged values.
func loadSettings(cmd *cobra.Command) (settings, error) {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(config.ExpandPath(configFile))
		if err := viper.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("unable to read config file: %w", err)
		}
	}

	s := settings{
		Listen:          viper.GetString("listen"),
		DispatchConfig:  viper.GetString("dispatch_config"),
		Watch:           viper.GetBool("watch"),
		Strategy:        viper.GetString("retry.strategy"),
		NatsURL:         viper.GetString("nats.url"),
		NatsSubject:     viper.GetString("nats.subject"),
		NatsQueue:       viper.GetString("nats.queue"),
		NatsConcurrent:  viper.GetInt("nats.concurrency"),
		CacheDisabled:   viper.GetBool("cache.disabled"),
		CacheDir:        viper.GetString("cache.dir"),
		CacheMemoryMB:   viper.GetInt("cache.memory_mb"),
		CacheDiskMB:     viper.GetInt("cache.disk_mb"),
		HealthInterval:  viper.GetDuration("state.health_interval"),
		CleanupInterval: viper.GetDuration("state.cleanup_interval"),
		MemoryLimitMB:   viper.GetInt("state.memory_limit_mb"),
	}

	if s.DispatchConfig == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return settings{}, err
		}
		s.DispatchConfig = p
	}
	s.DispatchConfig = config.ExpandPath(s.DispatchConfig)

	if s.CacheDir == "" && !s.CacheDisabled {
		dir, err := config.DataDir()
		if err != nil {
			return settings{}, err
		}
		s.CacheDir = filepath.Join(dir, "cache")
	}
	if s.CacheDir != "" {
		s.CacheDir = config.ExpandPath(s.CacheDir)
	}

	if s.CacheMemoryMB < 1 || s.CacheMemoryMB > 10000 {
		return settings{}, fmt.Errorf("cache memory_mb must be between 1 and 10000 MB, got %d", s.CacheMemoryMB)
	}
	if s.CacheDiskMB < 0 || s.CacheDiskMB > 100000 {
		return settings{}, fmt.Errorf("cache disk_mb must be between 0 and 100000 MB, got %d", s.CacheDiskMB)
	}
	if s.NatsConcurrent < 1 {
		return settings{}, fmt.Errorf("nats concurrency must be positive, got %d", s.NatsConcurrent)
	}
	return s, nil
}

func parseEnv() (envConfig, error) {
	cfg, err := env.ParseAs[envConfig]()
	if err != nil {
		return envConfig{}, fmt.Errorf("error parsing environment: %w", err)
	}
	return cfg, nil
}
