package config

import (
	"time"

	"github.com/spf13/viper"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for tinymem.
type Config struct {
	RedisURL         string
	Port             int
	Token            string
	Host             string
	Headless         bool
	MCP              bool
	MappingTTL       time.Duration
	AskTimeout       time.Duration
	MaxArtifactBytes int64
}

// Load reads configuration from viper, which merges flag values, TINYMEM_*
// env vars, and defaults (set up by the cobra command in cmd/tinymem).
func Load() Config {
	return Config{
		RedisURL:         viper.GetString("redis"),
		Port:             viper.GetInt("port"),
		Token:            viper.GetString("token"),
		Host:             viper.GetString("host"),
		Headless:         viper.GetBool("headless"),
		MCP:              viper.GetBool("mcp"),
		MappingTTL:       viper.GetDuration("mapping_ttl"),
		AskTimeout:       viper.GetDuration("ask_timeout"),
		MaxArtifactBytes: viper.GetInt64("max_artifact_bytes"),
	}
}
