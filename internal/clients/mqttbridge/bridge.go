// Package mqttbridge connects the controller to the MQTT broker. Sensor push
// messages arrive through it, and actuators fronted by a bridge service
// (shade gateway, heat pump controller) are commanded through it.
package mqttbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Config holds the broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Handler receives one message.
type Handler func(topic string, payload []byte)

// client is the part of mqtt.Client the bridge uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Bridge is a broker connection that survives reconnects: subscriptions are
// remembered and restored every time the connection comes back.
type Bridge struct {
	client client
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// New creates a bridge. Nothing connects until Connect.
func New(cfg Config, log zerolog.Logger) *Bridge {
	b := &Bridge{
		subs: make(map[string]Handler),
		log:  log.With().Str("client", "mqtt").Str("broker", cfg.Broker).Logger(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		b.log.Info().Msg("Connected to MQTT broker")
		b.resubscribe()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warn().Err(err).Msg("MQTT connection lost")
	})

	b.client = mqtt.NewClient(opts)
	return b
}

func newWithClient(c client, log zerolog.Logger) *Bridge {
	return &Bridge{client: c, subs: make(map[string]Handler), log: log}
}

// Connect waits for the first connection until ctx ends. The client keeps
// retrying in the background either way, so a broker that is down at
// startup only delays push data.
func (b *Bridge) Connect(ctx context.Context) error {
	if err := wait(ctx, b.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Connected reports whether the connection is currently up.
func (b *Bridge) Connected() bool {
	return b.client.IsConnectionOpen()
}

// Subscribe registers h for topic. The subscription is made immediately when
// connected and again after every reconnect.
func (b *Bridge) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	b.subs[topic] = h
	b.mu.Unlock()

	if !b.client.IsConnectionOpen() {
		b.log.Debug().Str("topic", topic).Msg("Not connected, subscription deferred")
		return nil
	}
	return b.subscribe(ctx, topic, h)
}

// Publish sends payload at QoS 1 and waits for the broker's acknowledgement.
func (b *Bridge) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if err := wait(ctx, b.client.Publish(topic, 1, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, giving in-flight work a quarter second.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
	b.log.Info().Msg("Disconnected from MQTT broker")
}

func (b *Bridge) subscribe(ctx context.Context, topic string, h Handler) error {
	token := b.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	b.log.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

func (b *Bridge) resubscribe() {
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subs))
	for t, h := range b.subs {
		subs[t] = h
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for topic, h := range subs {
		if err := b.subscribe(ctx, topic, h); err != nil {
			b.log.Error().Err(err).Str("topic", topic).Msg("Resubscribe failed")
		}
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
