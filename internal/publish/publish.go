// Package publish mirrors station events to an MQTT broker as JSON.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const DefaultTimeout = 5 * time.Second

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Client is the part of an MQTT client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Connect dials broker and blocks until the session is up.
func Connect(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(DefaultTimeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, token.Error())
	}
	log.Printf("publish: connected to MQTT broker at %s as %s", broker, clientID)
	return client, nil
}

// Event is the envelope every message is sent in.
type Event struct {
	Kind string      `json:"kind"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// Publisher sends events to <prefix>/<kind>. Results are retained so a
// late subscriber sees the current calibration and last throw.
type Publisher struct {
	client  Client
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

func New(client Client, prefix string) *Publisher {
	return &Publisher{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
}

// Topic returns the topic events of kind are sent to.
func (p *Publisher) Topic(kind string) string {
	if p.prefix == "" {
		return kind
	}
	return p.prefix + "/" + kind
}

// Publish sends one event. A nil Publisher discards it.
func (p *Publisher) Publish(kind string, data interface{}) error {
	if p == nil || p.client == nil {
		return nil
	}
	payload, err := json.Marshal(Event{Kind: kind, Time: p.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", kind, err)
	}
	topic := p.Topic(kind)
	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%s: %w", topic, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
