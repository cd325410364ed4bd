// Package mqtt publishes tank readings to an MQTT broker with Home
// Assistant auto-discovery metadata.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"tankmon/internal/config"
	"tankmon/internal/tank"
)

// Availability payloads.
const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

const defaultConnectTimeout = 10 * time.Second

// deviceID groups all sensors under one device on the consuming side.
const deviceID = "tankmon_tank"

type sensorDef struct {
	ObjectID    string
	Name        string
	ValueKey    string
	Unit        string
	Icon        string
	DeviceClass string
	StateClass  string
}

// One descriptor per exposed sensor; all reference the shared state topic.
var sensors = []sensorDef{
	{ObjectID: "oil_remaining", Name: "Oil Remaining", ValueKey: "litres", Unit: "L", Icon: "mdi:oil", DeviceClass: "volume_storage", StateClass: "measurement"},
	{ObjectID: "oil_percentage", Name: "Oil Level", ValueKey: "percent", Unit: "%", Icon: "mdi:gauge", StateClass: "measurement"},
	{ObjectID: "tank_capacity", Name: "Tank Capacity", ValueKey: "capacity", Unit: "L", Icon: "mdi:barrel", DeviceClass: "volume_storage"},
}

type deviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// descriptor is one discovery config document. Field order is fixed so
// repeated publishes are byte-for-byte identical.
type descriptor struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	Unit                string     `json:"unit_of_measurement"`
	Icon                string     `json:"icon"`
	Device              deviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available"`
	PayloadNotAvailable string     `json:"payload_not_available"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
}

// ClientFactory builds an MQTT client; swapped out in tests.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

// Publisher implements tank.Publisher over MQTT. The connection is
// established per publish call and not held open across idle periods.
type Publisher struct {
	cfgFn     func() config.MQTTConfig
	newClient ClientFactory
	logger    *zap.Logger
}

// New constructs a Publisher reading its connection parameters through
// cfgFn on every call, so runtime config changes take effect immediately.
func New(cfgFn func() config.MQTTConfig, logger *zap.Logger) *Publisher {
	return &Publisher{cfgFn: cfgFn, newClient: paho.NewClient, logger: logger}
}

// NewWithFactory is New with an injectable client factory for tests.
func NewWithFactory(cfgFn func() config.MQTTConfig, factory ClientFactory, logger *zap.Logger) *Publisher {
	return &Publisher{cfgFn: cfgFn, newClient: factory, logger: logger}
}

// Publish re-announces the discovery descriptors, then the state payload
// and availability. Descriptors are retained and idempotent: the broker may
// have lost them, and re-sending identical documents never duplicates
// entities. A no-op when the integration is disabled.
func (p *Publisher) Publish(ctx context.Context, reading tank.Reading) error {
	cfg := p.cfgFn()
	if !cfg.Enabled {
		return nil
	}
	client, err := p.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	for _, s := range sensors {
		topic := fmt.Sprintf("%s/sensor/%s/%s/config", cfg.DiscoveryPrefix, deviceID, s.ObjectID)
		payload, err := json.Marshal(descriptorFor(s, cfg))
		if err != nil {
			return fmt.Errorf("marshal discovery %s: %w", s.ObjectID, err)
		}
		if err := publish(ctx, client, topic, payload, true); err != nil {
			return fmt.Errorf("publish discovery %s: %w", s.ObjectID, err)
		}
	}

	state, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal state payload: %w", err)
	}
	if err := publish(ctx, client, cfg.BaseTopic+"/state", state, true); err != nil {
		return fmt.Errorf("publish state: %w", err)
	}
	if err := publish(ctx, client, cfg.BaseTopic+"/availability", []byte(payloadOnline), true); err != nil {
		return fmt.Errorf("publish availability: %w", err)
	}
	p.logger.Debug("reading published",
		zap.String("broker", cfg.BrokerURL),
		zap.Float64("litres", reading.Litres),
	)
	return nil
}

// Offline marks the device unavailable; used on clean shutdown, best-effort.
func (p *Publisher) Offline(ctx context.Context) error {
	cfg := p.cfgFn()
	if !cfg.Enabled {
		return nil
	}
	client, err := p.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	if err := publish(ctx, client, cfg.BaseTopic+"/availability", []byte(payloadOffline), true); err != nil {
		return fmt.Errorf("publish offline: %w", err)
	}
	return nil
}

func (p *Publisher) connect(ctx context.Context, cfg config.MQTTConfig) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(defaultConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := p.newClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.BrokerURL, err)
	}
	return client, nil
}

func publish(ctx context.Context, client paho.Client, topic string, payload []byte, retain bool) error {
	token := client.Publish(topic, 1, retain, payload)
	return waitToken(ctx, token)
}

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func descriptorFor(s sensorDef, cfg config.MQTTConfig) descriptor {
	return descriptor{
		Name:                s.Name,
		UniqueID:            fmt.Sprintf("%s_%s", deviceID, s.ObjectID),
		StateTopic:          cfg.BaseTopic + "/state",
		ValueTemplate:       fmt.Sprintf("{{ value_json.%s }}", s.ValueKey),
		Unit:                s.Unit,
		Icon:                s.Icon,
		Device: deviceInfo{
			Identifiers:  []string{deviceID},
			Name:         "Oil Tank",
			Manufacturer: "BoilerJuice",
			Model:        "Oil Tank Monitor",
			SWVersion:    "1.0.0",
		},
		AvailabilityTopic:   cfg.BaseTopic + "/availability",
		PayloadAvailable:    payloadOnline,
		PayloadNotAvailable: payloadOffline,
		DeviceClass:         s.DeviceClass,
		StateClass:          s.StateClass,
	}
}
