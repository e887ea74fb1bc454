package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// section is the configuration file section holding node settings.
const section = "dht"

// EnvPrefix prefixes environment overrides, e.g. CHORDHT_DHT_LISTEN_ADDRESS.
const EnvPrefix = "CHORDHT"

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":     "listen_address",
	"api":        "api_address",
	"http":       "http_address",
	"bootstrap":  "bootstrap_address",
	"log-level":  "log_level",
	"log-format": "log_format",
	"log-file":   "log_file",
}

// RegisterFlags defines the command line overrides understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("listen", d.ListenAddress, "peer protocol listen address (ip:port)")
	fs.String("api", d.APIAddress, "client API listen address (ip:port)")
	fs.String("http", d.HTTPAddress, "status HTTP listen address (ip:port), empty disables it")
	fs.String("bootstrap", d.BootstrapAddress, "seed peer to join (ip:port), empty founds a new ring")
	fs.String("log-level", d.LogLevel, "log level (trace, debug, info, warn, error)")
	fs.String("log-format", d.LogFormat, "log format (json, console)")
	fs.String("log-file", d.LogFile, "rotating log file, empty disables file output")
}

// Load builds a Config from defaults, an optional configuration file, CHORDHT_*
// environment variables and flags, in increasing order of precedence.
//
// The file is read by extension (ini, yaml, toml, json); anything else is read
// as INI, matching the classic [dht] section layout. Durations accept either a
// plain number of seconds or a Go duration string.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		switch strings.TrimPrefix(filepath.Ext(path), ".") {
		case "ini", "yaml", "yml", "toml", "json":
		default:
			v.SetConfigType("ini")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, field := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key(section, field), f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func key(section, name string) string {
	return section + "." + name
}

func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"listen_address":         d.ListenAddress,
		"api_address":            d.APIAddress,
		"http_address":           d.HTTPAddress,
		"bootstrap_address":      d.BootstrapAddress,
		"fingers":                d.Fingers,
		"successor_list_size":    d.SuccessorListSize,
		"stabilization_interval": d.StabilizationInterval.String(),
		"stabilization_delay":    d.StabilizationDelay.String(),
		"max_lookup_hops":        d.MaxLookupHops,
		"max_replication_index":  d.MaxReplicationIndex,
		"worker_threads":         d.WorkerThreads,
		"timeout":                d.Timeout.String(),
		"max_connections":        d.MaxConnections,
		"bootstrap_attempts":     d.BootstrapAttempts,
		"log_level":              d.LogLevel,
		"log_format":             d.LogFormat,
		"log_file":               d.LogFile,
	}
	for name, value := range defaults {
		v.SetDefault(key(section, name), value)
	}
}

func fromViper(v *viper.Viper) (*Config, error) {
	get := func(name string) string { return key(section, name) }

	cfg := &Config{
		ListenAddress:       v.GetString(get("listen_address")),
		APIAddress:          v.GetString(get("api_address")),
		HTTPAddress:         v.GetString(get("http_address")),
		BootstrapAddress:    v.GetString(get("bootstrap_address")),
		Fingers:             v.GetInt(get("fingers")),
		SuccessorListSize:   v.GetInt(get("successor_list_size")),
		MaxLookupHops:       v.GetInt(get("max_lookup_hops")),
		MaxReplicationIndex: v.GetInt(get("max_replication_index")),
		WorkerThreads:       v.GetInt(get("worker_threads")),
		MaxConnections:      v.GetInt(get("max_connections")),
		BootstrapAttempts:   v.GetInt(get("bootstrap_attempts")),
		LogLevel:            v.GetString(get("log_level")),
		LogFormat:           v.GetString(get("log_format")),
		LogFile:             v.GetString(get("log_file")),
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"timeout", &cfg.Timeout},
		{"stabilization_interval", &cfg.StabilizationInterval},
		{"stabilization_delay", &cfg.StabilizationDelay},
	}
	for _, d := range durations {
		parsed, err := parseSeconds(v.GetString(get(d.name)))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// parseSeconds reads "30" as thirty seconds and "1m30s" as a Go duration.
func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
