package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fleetwatt/fleetwatt/pkg/engine"
	"github.com/fleetwatt/fleetwatt/pkg/log"
	"github.com/fleetwatt/fleetwatt/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Source is the slice of the engine the sink consumes: the latest cached
// views plus a signal for when they change.
type Source interface {
	DeviceViews() map[string]types.DeviceView
	Totals() types.FleetTotals
	Notify() <-chan struct{}
}

// MQTT republishes device views and fleet totals to an MQTT broker after
// every engine pass. Messages are retained so late subscribers see the
// latest state immediately.
type MQTT struct {
	broker      string
	topicPrefix string
	clientID    string

	client mqtt.Client
}

// Configured initializes the MQTT sink and registers its command-line
// flags. The sink is disabled unless a broker address is given.
func Configured() *MQTT {
	m := &MQTT{}

	broker := lflag.String("mqtt-broker", "", "MQTT broker address (e.g. tcp://localhost:1883); empty disables the MQTT sink")
	topicPrefix := lflag.String("mqtt-topic-prefix", "fleetwatt", "prefix for MQTT topics")
	clientID := lflag.String("mqtt-client-id", "fleetwatt", "MQTT client ID")

	lflag.Do(func() {
		m.broker = *broker
		m.topicPrefix = *topicPrefix
		m.clientID = *clientID
	})

	return m
}

// Enabled reports whether a broker was configured.
func (m *MQTT) Enabled() bool {
	return m.broker != ""
}

// Run connects to the broker and republishes src's state after every
// notification until the context is canceled.
func (m *MQTT) Run(ctx context.Context, src Source) error {
	opts := mqtt.NewClientOptions().
		AddBroker(m.broker).
		SetClientID(m.clientID)
	m.client = mqtt.NewClient(opts)
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect failed: %w", token.Error())
	}
	defer m.client.Disconnect(250)
	log.Ctx(ctx).InfoContext(ctx, "mqtt sink connected", slog.String("broker", m.broker))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-src.Notify():
			m.publishAll(ctx, src)
		}
	}
}

func (m *MQTT) publishAll(ctx context.Context, src Source) {
	for id, view := range src.DeviceViews() {
		m.publish(ctx, deviceTopic(m.topicPrefix, id), view)
	}
	m.publish(ctx, totalsTopic(m.topicPrefix), src.Totals())
}

// publish sends one retained QoS-1 JSON message. Failures are logged, not
// propagated: the next pass republishes everything anyway.
func (m *MQTT) publish(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal mqtt payload",
			slog.String("topic", topic),
			slog.Any("error", err),
		)
		return
	}
	token := m.client.Publish(topic, 1, true, payload)
	token.Wait()
	if token.Error() != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish",
			slog.String("topic", topic),
			slog.Any("error", token.Error()),
		)
	}
}

func deviceTopic(prefix, deviceID string) string {
	return path.Join(prefix, "device", deviceID)
}

func totalsTopic(prefix string) string {
	return path.Join(prefix, "totals")
}

var _ Source = (*engine.Engine)(nil)
