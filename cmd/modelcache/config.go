package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/prethora/modelcache"
)

// settings is the binary's configuration as read by viper.
type settings struct {
	AppName         string        `mapstructure:"app_name"`
	DataDir         string        `mapstructure:"data_dir"`
	Backend         string        `mapstructure:"backend"`
	Catalog         string        `mapstructure:"catalog"`
	ChunkSize       int           `mapstructure:"chunk_size"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ManualSelection bool          `mapstructure:"manual_selection"`
	Environment     string        `mapstructure:"environment"`
	LogLevel        string        `mapstructure:"log_level"`
	Addr            string        `mapstructure:"addr"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
}

// newViper returns a viper instance with defaults, the MODELCACHE_ env
// prefix and the config file search path set.
func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("app_name", "modelcache")
	v.SetDefault("data_dir", "")
	v.SetDefault("backend", modelcache.BackendBadger)
	v.SetDefault("catalog", "")
	v.SetDefault("chunk_size", modelcache.DefaultChunkSize)
	v.SetDefault("idle_timeout", "0s")
	v.SetDefault("manual_selection", false)
	v.SetDefault("environment", "prod")
	v.SetDefault("log_level", "warn")
	v.SetDefault("addr", ":8080")
	v.SetDefault("allow_origins", []string{})

	v.SetEnvPrefix("MODELCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("MODELCACHE_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("modelcache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/modelcache")
	}
	return v
}

// loadSettings reads the config file (if any) and the environment.
func loadSettings() (settings, error) {
	return readSettings(newViper())
}

func readSettings(v *viper.Viper) (settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return settings{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("decoding config: %w", err)
	}
	return s, nil
}

// cacheConfig converts settings into a cache configuration, loading the catalog file.
func (s settings) cacheConfig() (modelcache.Config, error) {
	cfg := modelcache.Config{
		AppName:         s.AppName,
		DataDir:         s.DataDir,
		Backend:         s.Backend,
		ChunkSize:       s.ChunkSize,
		IdleTimeout:     s.IdleTimeout,
		ManualSelection: s.ManualSelection,
	}
	if s.Catalog != "" {
		catalog, err := modelcache.LoadCatalog(s.Catalog)
		if err != nil {
			return modelcache.Config{}, err
		}
		cfg.Catalog = catalog
	}
	return cfg, nil
}
