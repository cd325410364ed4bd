// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Allowed refresh intervals in minutes. Zero disables scheduled refreshes.
var allowedIntervals = map[int]bool{0: true, 15: true, 30: true, 60: true, 720: true, 1440: true}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Data    DataConfig    `mapstructure:"data"`
	Tank    TankConfig    `mapstructure:"tank"`
	Account AccountConfig `mapstructure:"account"`
	Browser BrowserConfig `mapstructure:"browser"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DataConfig sets where durable artifacts (session blob, history DB,
// runtime config) live.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// TankConfig identifies the monitored tank.
type TankConfig struct {
	ID             string  `mapstructure:"id"`
	CapacityLitres float64 `mapstructure:"capacity_litres"`
}

// AccountConfig holds supplier portal credentials. Password is write-only
// through the API and never echoed back.
type AccountConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// BrowserConfig configures the headless browser session. FallbackURLs are
// tried in order when the primary tank page yields no gauge value; entries
// containing %s receive the tank ID.
type BrowserConfig struct {
	LoginURL          string   `mapstructure:"login_url"`
	TankURLTemplate   string   `mapstructure:"tank_url_template"`
	FallbackURLs      []string `mapstructure:"fallback_urls"`
	UserAgent         string   `mapstructure:"user_agent"`
	ExecPath          string   `mapstructure:"exec_path"`
	SettleMillis      int      `mapstructure:"settle_ms"`
	NavTimeoutSeconds int      `mapstructure:"nav_timeout_seconds"`
}

// RefreshConfig governs the background refresh loop.
type RefreshConfig struct {
	IntervalMinutes     int `mapstructure:"interval_minutes"`
	StartupGraceSeconds int `mapstructure:"startup_grace_seconds"`
}

// MQTTConfig holds message bus connection and discovery parameters.
type MQTTConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BrokerURL       string `mapstructure:"broker_url"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	ClientID        string `mapstructure:"client_id"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
	BaseTopic       string `mapstructure:"base_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TANKMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns a Config populated with the built-in defaults only.
func Default() Config {
	var cfg Config
	_ = newViper().Unmarshal(&cfg)
	return cfg
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8099)
	v.SetDefault("data.dir", "/data")
	v.SetDefault("tank.capacity_litres", 0)
	v.SetDefault("browser.login_url", "https://www.boilerjuice.com/uk/users/login")
	v.SetDefault("browser.tank_url_template", "https://www.boilerjuice.com/uk/users/tanks/%s/edit")
	v.SetDefault("browser.fallback_urls", []string{
		"https://www.boilerjuice.com/uk/users/tanks/%s",
		"https://www.boilerjuice.com/uk/users/dashboard",
		"https://www.boilerjuice.com/my-account",
	})
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.settle_ms", 2000)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("refresh.interval_minutes", 60)
	v.SetDefault("refresh.startup_grace_seconds", 30)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://core-mosquitto:1883")
	v.SetDefault("mqtt.client_id", "tankmon")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.base_topic", "tankmon/tank")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir must be set")
	}
	if c.Tank.CapacityLitres < 0 {
		return fmt.Errorf("tank.capacity_litres must be >= 0")
	}
	if !allowedIntervals[c.Refresh.IntervalMinutes] {
		return fmt.Errorf("refresh.interval_minutes must be one of 0, 15, 30, 60, 720, 1440")
	}
	if c.Browser.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url must be set when mqtt is enabled")
	}
	return nil
}

// NavTimeout converts the configured navigation timeout into a duration.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// Settle converts the configured settle delay into a duration.
func (c BrowserConfig) Settle() time.Duration {
	return time.Duration(c.SettleMillis) * time.Millisecond
}

// Interval converts the refresh period into a duration. Zero means disabled.
func (c RefreshConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// StartupGrace converts the startup grace delay into a duration.
func (c RefreshConfig) StartupGrace() time.Duration {
	return time.Duration(c.StartupGraceSeconds) * time.Second
}
