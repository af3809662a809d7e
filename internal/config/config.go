// Package config holds the runtime configuration and its loader.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Role represents the process's chosen role.
type Role string

const (
	RolePlayer   Role = "player"
	RoleListener Role = "listener"
	RoleBroker   Role = "broker"
)

// Timing groups every protocol timer.
type Timing struct {
	ClaimTimeout      time.Duration `mapstructure:"claim_timeout"`       // per slot claim attempt
	ScanWindow        time.Duration `mapstructure:"scan_window"`         // global scan deadline
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`       // single probe without a reply
	ProbeGrace        time.Duration `mapstructure:"probe_grace"`         // player closes a probe after replying
	SelectSettle      time.Duration `mapstructure:"select_settle"`       // pause between closing probes and connecting
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`     // initial connect attempt until WELCOME
	ConnectRetries    int           `mapstructure:"connect_retries"`     // initial connect attempts
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"` // between initial attempts
	FailoverDelay     time.Duration `mapstructure:"failover_delay"`      // wait for the primary stream
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMax      int           `mapstructure:"reconnect_max"`
	RelayInterval     time.Duration `mapstructure:"relay_interval"` // 0: one frame duration
}

// Config stores all parameters gathered from file, environment, flags and
// interactive prompts.
type Config struct {
	Role        Role     `mapstructure:"role"`
	Name        string   `mapstructure:"name"`
	Room        string   `mapstructure:"room"`        // empty: derived from the network identity
	SignalURL   string   `mapstructure:"signal_url"`  // broker websocket URL
	BrokerAddr  string   `mapstructure:"broker_addr"` // listen address in the broker role
	STUNServers []string `mapstructure:"stun_servers"`
	MaxSlots    int      `mapstructure:"max_slots"`
	ProbeCount  int      `mapstructure:"probe_count"` // 0: probe every slot
	Tabs        string   `mapstructure:"tabs"`        // capture catalog spec
	Tab         int      `mapstructure:"tab"`         // tab the player captures first
	DBPath      string   `mapstructure:"db_path"`
	Local       bool     `mapstructure:"local"`
	Debug       bool     `mapstructure:"debug"`
	Timing      Timing   `mapstructure:"timing"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SignalURL:  "ws://127.0.0.1:9000/ws",
		BrokerAddr: ":9000",
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		MaxSlots: 20,
		Tabs:     "tone:220:Lofi Radio,tone:330:Synthwave Mix",
		Tab:      1,
		DBPath:   "jamsync.db",
		Timing: Timing{
			ClaimTimeout:      5 * time.Second,
			ScanWindow:        8 * time.Second,
			ProbeTimeout:      6 * time.Second,
			ProbeGrace:        time.Second,
			SelectSettle:      600 * time.Millisecond,
			ConnectTimeout:    8 * time.Second,
			ConnectRetries:    3,
			ConnectRetryDelay: 1500 * time.Millisecond,
			FailoverDelay:     5 * time.Second,
			ReconnectDelay:    3 * time.Second,
			ReconnectMax:      10,
		},
	}
}

// Load layers defaults, the optional file at path (yaml, json or toml by
// extension) and JAMSYNC_* environment variables, e.g.
// JAMSYNC_TIMING_SCAN_WINDOW=5s.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("JAMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("role", string(d.Role))
	v.SetDefault("name", d.Name)
	v.SetDefault("room", d.Room)
	v.SetDefault("signal_url", d.SignalURL)
	v.SetDefault("broker_addr", d.BrokerAddr)
	v.SetDefault("stun_servers", d.STUNServers)
	v.SetDefault("max_slots", d.MaxSlots)
	v.SetDefault("probe_count", d.ProbeCount)
	v.SetDefault("tabs", d.Tabs)
	v.SetDefault("tab", d.Tab)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("local", d.Local)
	v.SetDefault("debug", d.Debug)

	t := d.Timing
	v.SetDefault("timing.claim_timeout", t.ClaimTimeout)
	v.SetDefault("timing.scan_window", t.ScanWindow)
	v.SetDefault("timing.probe_timeout", t.ProbeTimeout)
	v.SetDefault("timing.probe_grace", t.ProbeGrace)
	v.SetDefault("timing.select_settle", t.SelectSettle)
	v.SetDefault("timing.connect_timeout", t.ConnectTimeout)
	v.SetDefault("timing.connect_retries", t.ConnectRetries)
	v.SetDefault("timing.connect_retry_delay", t.ConnectRetryDelay)
	v.SetDefault("timing.failover_delay", t.FailoverDelay)
	v.SetDefault("timing.reconnect_delay", t.ReconnectDelay)
	v.SetDefault("timing.reconnect_max", t.ReconnectMax)
	v.SetDefault("timing.relay_interval", t.RelayInterval)
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Role {
	case RolePlayer, RoleListener, RoleBroker, "":
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if c.MaxSlots < 1 {
		return errors.New("max_slots must be at least 1")
	}
	if c.ProbeCount < 0 || c.ProbeCount > c.MaxSlots {
		return fmt.Errorf("probe_count must be between 0 and max_slots (%d)", c.MaxSlots)
	}
	t := c.Timing
	if t.ConnectRetries < 1 || t.ReconnectMax < 1 {
		return errors.New("connect_retries and reconnect_max must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"claim_timeout":   t.ClaimTimeout,
		"scan_window":     t.ScanWindow,
		"probe_timeout":   t.ProbeTimeout,
		"connect_timeout": t.ConnectTimeout,
		"failover_delay":  t.FailoverDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("timing.%s must be positive", name)
		}
	}
	return nil
}

// Probes returns how many slots a scan probes.
func (c Config) Probes() int {
	if c.ProbeCount <= 0 || c.ProbeCount > c.MaxSlots {
		return c.MaxSlots
	}
	return c.ProbeCount
}
