// Package config loads the recognized configuration keys
// via viper, with DCF_HOST/DCF_PORT environment overrides and an optional
// fsnotify-backed hot reload of the safe-to-change-live subset.
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PluginsConfig holds the `plugins.*` section: out-of-tree transport
// plugin loading, distinct from the top-level `transport` selector which
// names one of the built-in registered plugins.
type PluginsConfig struct {
	Transport string `mapstructure:"transport"`
}

// LoggingConfig holds the `logging.*` section.
type LoggingConfig struct {
	Level           string `mapstructure:"level"`
	File            string `mapstructure:"file"`
	MetricsInterval int    `mapstructure:"metrics_interval"`
}

// NetworkSettings holds the `network_settings.*` section.
type NetworkSettings struct {
	MTU               int `mapstructure:"mtu"`
	ReconnectTimeout  int `mapstructure:"reconnect_timeout"`
	NetworkLossFactor int `mapstructure:"network_loss_factor"`
}

// Config is the fully-resolved, typed view of the recognized keys.
type Config struct {
	Transport               string   `mapstructure:"transport"`
	Host                    string   `mapstructure:"host"`
	Port                    int      `mapstructure:"port"`
	Mode                    string   `mapstructure:"mode"`
	NodeID                  string   `mapstructure:"node_id"`
	Peers                   []string `mapstructure:"peers"`
	GroupRTTThresholdMillis int      `mapstructure:"group_rtt_threshold"`
	FallbackTransport       string   `mapstructure:"fallback_transport"`
	MaxPlayers              int      `mapstructure:"max_players"`

	Plugins         PluginsConfig   `mapstructure:"plugins"`
	Logging         LoggingConfig   `mapstructure:"logging"`
	NetworkSettings NetworkSettings `mapstructure:"network_settings"`

	// AutohostAddr is the external controller's address for the autohost
	// side channel (C5); empty disables it. Not part of the original config
	// table, which predates wiring C5 to a concrete transport target.
	AutohostAddr string `mapstructure:"autohost_addr"`
	AdminAddr    string `mapstructure:"admin_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", "gRPC")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8452)
	v.SetDefault("mode", "auto")
	v.SetDefault("group_rtt_threshold", 50)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.metrics_interval", 5000)
	v.SetDefault("fallback_transport", "udp")
	v.SetDefault("max_players", 160)
	v.SetDefault("network_settings.mtu", 1400)
	v.SetDefault("network_settings.reconnect_timeout", 15)
	v.SetDefault("network_settings.network_loss_factor", 0)
	v.SetDefault("admin_addr", ":8453")
}

// Load reads path (any format viper supports: yaml, toml, json) and applies
// the DCF_HOST/DCF_PORT environment overrides. node_id is
// required; its absence is a config-invalid error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DCF")
	if err := v.BindEnv("host", "DCF_HOST"); err != nil {
		return nil, fmt.Errorf("bind DCF_HOST: %w", err)
	}
	if err := v.BindEnv("port", "DCF_PORT"); err != nil {
		return nil, fmt.Errorf("bind DCF_PORT: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node_id is required")
	}
	return &cfg, nil
}

// Watcher re-reads the config file whenever it changes and hands the whole
// newly parsed Config to the onChange callback. It does not filter keys and
// applies nothing itself; which changed values (logging level, RTT
// threshold, artificial loss factor) take effect live is decided by
// onChange. Environment overrides are not applied. Grounded on cppla-moto's
// config.Reload, generalized from an explicit CLI trigger to a filesystem
// watch the way teranos-QNTX wires fsnotify through viper.
type Watcher struct {
	mu       sync.Mutex
	v        *viper.Viper
	onChange func(*Config)
}

// Watch starts watching path for changes and invokes onChange with the
// newly parsed Config each time the file is modified. It returns an error
// if path cannot be read up front.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	w := &Watcher{v: v, onChange: onChange}
	v.OnConfigChange(func(_ fsnotify.Event) {
		w.mu.Lock()
		defer w.mu.Unlock()
		var cfg Config
		if err := w.v.Unmarshal(&cfg); err != nil {
			return
		}
		if w.onChange != nil {
			w.onChange(&cfg)
		}
	})
	v.WatchConfig()
	return w, nil
}
