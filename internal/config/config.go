// Package config loads kernel harness configuration via viper, with
// layered defaults, environment overrides, and an optional config file,
// in place of compiled-in constants.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

/// Config holds the tunables a boot of the simulated kernel needs: arena
/// sizing, cache sizing, disk image location, and hart count.
type Config struct {
	ArenaBytes  int    `mapstructure:"arena_bytes"`
	DMAFrames   int    `mapstructure:"dma_frames"`
	CacheBlocks int    `mapstructure:"cache_blocks"`
	DiskImage   string `mapstructure:"disk_image"`
	DiskSectors uint64 `mapstructure:"disk_sectors"`
	Harts       int    `mapstructure:"harts"`
	Debug       bool   `mapstructure:"debug"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	InitPath    string `mapstructure:"init_path"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("arena_bytes", 64<<20)
	v.SetDefault("dma_frames", 256)
	v.SetDefault("cache_blocks", 512)
	v.SetDefault("disk_image", "rvkernel.img")
	v.SetDefault("disk_sectors", uint64(131072))
	v.SetDefault("harts", 4)
	v.SetDefault("debug", false)
	v.SetDefault("metrics_addr", "127.0.0.1:9090")
	v.SetDefault("init_path", "")
}

/// Load reads configuration from (in ascending priority) defaults, a
/// rvkernel.yaml in the working directory or path, and RVKERNEL_-prefixed
/// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("rvkernel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rvkernel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, errors.Wrap(err, "config: read")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	return cfg, nil
}
