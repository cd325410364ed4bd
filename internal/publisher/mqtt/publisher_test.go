package mqtt

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tankmon/internal/config"
	"tankmon/internal/tank"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type pubRecord struct {
	Topic    string
	Payload  string
	Qos      byte
	Retained bool
}

type fakeClient struct {
	mu          sync.Mutex
	published   []pubRecord
	connectErr  error
	disconnects int
}

func (c *fakeClient) Connect() paho.Token { return &fakeToken{err: c.connectErr} }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body string
	switch v := payload.(type) {
	case []byte:
		body = string(v)
	case string:
		body = v
	}
	c.published = append(c.published, pubRecord{Topic: topic, Payload: body, Qos: qos, Retained: retained})
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Subscribe(string, byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) paho.Token         { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, paho.MessageHandler)     {}
func (c *fakeClient) OptionsReader() paho.ClientOptionsReader  { return paho.ClientOptionsReader{} }

func (c *fakeClient) records() []pubRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pubRecord, len(c.published))
	copy(out, c.published)
	return out
}

func testConfig(enabled bool) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:         enabled,
		BrokerURL:       "tcp://broker.example:1883",
		ClientID:        "tankmon-test",
		DiscoveryPrefix: "homeassistant",
		BaseTopic:       "tankmon/tank",
	}
}

func newTestPublisher(client *fakeClient, enabled bool) (*Publisher, *int) {
	created := 0
	factory := func(*paho.ClientOptions) paho.Client {
		created++
		return client
	}
	p := NewWithFactory(func() config.MQTTConfig { return testConfig(enabled) }, factory, zap.NewNop())
	return p, &created
}

func reading(at time.Time) tank.Reading {
	return tank.NewReading(45, 1200, at)
}

func TestPublish_EmitsDiscoveryStateAndAvailability(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p, _ := newTestPublisher(client, true)

	err := p.Publish(context.Background(), reading(time.Now()))
	require.NoError(t, err)

	recs := client.records()
	require.Len(t, recs, 5) // 3 descriptors + state + availability

	require.Equal(t, "homeassistant/sensor/tankmon_tank/oil_remaining/config", recs[0].Topic)
	require.Equal(t, "homeassistant/sensor/tankmon_tank/oil_percentage/config", recs[1].Topic)
	require.Equal(t, "homeassistant/sensor/tankmon_tank/tank_capacity/config", recs[2].Topic)
	require.Equal(t, "tankmon/tank/state", recs[3].Topic)
	require.Equal(t, "tankmon/tank/availability", recs[4].Topic)
	require.Equal(t, payloadOnline, recs[4].Payload)

	for _, r := range recs {
		require.True(t, r.Retained, "topic %s must be retained", r.Topic)
		require.Equal(t, byte(1), r.Qos)
	}

	require.Contains(t, recs[0].Payload, `"unique_id":"tankmon_tank_oil_remaining"`)
	require.Contains(t, recs[0].Payload, `"value_template":"{{ value_json.litres }}"`)
	require.Contains(t, recs[0].Payload, `"state_topic":"tankmon/tank/state"`)
	require.Contains(t, recs[3].Payload, `"litres":540`)
	require.Equal(t, 1, client.disconnects)
}

// Repeated publishes must produce byte-identical descriptors; only the
// state payload's timestamp may differ.
func TestPublish_DescriptorsIdempotent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p, _ := newTestPublisher(client, true)

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	require.NoError(t, p.Publish(context.Background(), reading(t1)))
	require.NoError(t, p.Publish(context.Background(), reading(t2)))

	recs := client.records()
	require.Len(t, recs, 10)
	for i := 0; i < 3; i++ {
		require.Equal(t, recs[i].Topic, recs[i+5].Topic)
		require.Equal(t, recs[i].Payload, recs[i+5].Payload)
	}
	// State payloads differ only in the timestamp field.
	first := strings.Replace(recs[3].Payload, t1.Format(time.RFC3339), "", 1)
	second := strings.Replace(recs[8].Payload, t2.Format(time.RFC3339), "", 1)
	require.Equal(t, first, second)
}

func TestPublish_NoOpWhenDisabled(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p, created := newTestPublisher(client, false)

	require.NoError(t, p.Publish(context.Background(), reading(time.Now())))
	require.Zero(t, *created)
	require.Empty(t, client.records())
}

func TestOffline_PublishesAvailability(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p, _ := newTestPublisher(client, true)

	require.NoError(t, p.Offline(context.Background()))
	recs := client.records()
	require.Len(t, recs, 1)
	require.Equal(t, "tankmon/tank/availability", recs[0].Topic)
	require.Equal(t, payloadOffline, recs[0].Payload)
	require.True(t, recs[0].Retained)
}
