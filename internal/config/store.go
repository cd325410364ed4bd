package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
)

// Store keeps the live configuration and persists operator updates back to
// the config file. Secret fields are accepted on write and never echoed.
type Store struct {
	mu   sync.RWMutex
	v    *viper.Viper
	path string
	cfg  Config
}

// Update carries the settable configuration fields. Nil pointers leave the
// current value untouched; secret fields are only overwritten when the new
// value is non-empty.
type Update struct {
	Email           *string  `json:"email"`
	Password        *string  `json:"password"`
	TankID          *string  `json:"tank_id"`
	CapacityLitres  *float64 `json:"capacity_litres"`
	IntervalMinutes *int     `json:"refresh_interval_minutes"`
	MQTTEnabled     *bool    `json:"mqtt_enabled"`
	MQTTBrokerURL   *string  `json:"mqtt_broker_url"`
	MQTTUsername    *string  `json:"mqtt_username"`
	MQTTPassword    *string  `json:"mqtt_password"`
}

// NewStore loads configuration from path (falling back to defaults when the
// file does not exist yet) and returns a Store that writes updates there.
func NewStore(path string) (*Store, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{v: v, path: path, cfg: cfg}, nil
}

// Current returns a copy of the live configuration.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Apply validates and persists an update, returning the new configuration.
// An invalid update leaves both the live config and the file untouched.
func (s *Store) Apply(u Update) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	if u.Email != nil {
		cfg.Account.Email = *u.Email
	}
	if u.Password != nil && *u.Password != "" {
		cfg.Account.Password = *u.Password
	}
	if u.TankID != nil {
		cfg.Tank.ID = *u.TankID
	}
	if u.CapacityLitres != nil {
		cfg.Tank.CapacityLitres = *u.CapacityLitres
	}
	if u.IntervalMinutes != nil {
		cfg.Refresh.IntervalMinutes = *u.IntervalMinutes
	}
	if u.MQTTEnabled != nil {
		cfg.MQTT.Enabled = *u.MQTTEnabled
	}
	if u.MQTTBrokerURL != nil {
		cfg.MQTT.BrokerURL = *u.MQTTBrokerURL
	}
	if u.MQTTUsername != nil {
		cfg.MQTT.Username = *u.MQTTUsername
	}
	if u.MQTTPassword != nil && *u.MQTTPassword != "" {
		cfg.MQTT.Password = *u.MQTTPassword
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	s.v.Set("account.email", cfg.Account.Email)
	s.v.Set("account.password", cfg.Account.Password)
	s.v.Set("tank.id", cfg.Tank.ID)
	s.v.Set("tank.capacity_litres", cfg.Tank.CapacityLitres)
	s.v.Set("refresh.interval_minutes", cfg.Refresh.IntervalMinutes)
	s.v.Set("mqtt.enabled", cfg.MQTT.Enabled)
	s.v.Set("mqtt.broker_url", cfg.MQTT.BrokerURL)
	s.v.Set("mqtt.username", cfg.MQTT.Username)
	s.v.Set("mqtt.password", cfg.MQTT.Password)
	if s.path != "" {
		if err := s.v.WriteConfigAs(s.path); err != nil {
			return Config{}, fmt.Errorf("write config: %w", err)
		}
	}
	s.cfg = cfg
	return cfg, nil
}

// Masked returns the configuration for API consumption with secrets
// replaced by has_* booleans.
func (s *Store) Masked() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"email":                    s.cfg.Account.Email,
		"has_password":             s.cfg.Account.Password != "",
		"tank_id":                  s.cfg.Tank.ID,
		"capacity_litres":          s.cfg.Tank.CapacityLitres,
		"refresh_interval_minutes": s.cfg.Refresh.IntervalMinutes,
		"mqtt_enabled":             s.cfg.MQTT.Enabled,
		"mqtt_broker_url":          s.cfg.MQTT.BrokerURL,
		"mqtt_username":            s.cfg.MQTT.Username,
		"has_mqtt_password":        s.cfg.MQTT.Password != "",
	}
}
