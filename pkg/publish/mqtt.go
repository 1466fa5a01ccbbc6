// Package publish mirrors the live event feed of a session to an MQTT
// broker, so external plotters can follow a run.
package publish

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/limb-lab/mvc/pkg/config"
	"github.com/limb-lab/mvc/pkg/events"
)

// Client is the subset of mqtt.Client used here.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// newClient is a test seam.
var newClient = func(o *mqtt.ClientOptions) Client { return mqtt.NewClient(o) }

const connectTimeout = 5 * time.Second

// retained events are kept by the broker for late subscribers.
var retained = map[string]bool{
	events.ReferenceSet: true,
	events.SessionState: true,
}

// Publisher forwards hub events to "<prefix>/<event name>" topics. It never
// blocks on the broker.
type Publisher struct {
	client Client
	prefix string
}

// Dial connects to the broker in cfg.
func Dial(cfg config.MQTTConfig) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, pkgerrors.New("mqtt broker not configured")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	client := newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, pkgerrors.Errorf("timed out connecting to mqtt broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to mqtt broker %s", cfg.Broker)
	}
	logrus.WithField("broker", cfg.Broker).Info("connected to mqtt broker")

	return New(client, cfg.TopicPrefix), nil
}

// New wraps an already connected client.
func New(client Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "mvc"
	}
	return &Publisher{client: client, prefix: prefix}
}

// Topic returns the topic of an event name.
func (p *Publisher) Topic(name string) string {
	return p.prefix + "/" + name
}

// Run subscribes to hub and forwards events until ctx is done or the hub
// closes the subscription.
func (p *Publisher) Run(ctx context.Context, hub *events.EventHub) {
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	var failed int
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !p.forward(ev) {
				failed++
				if failed == 1 || failed%100 == 0 {
					logrus.WithField("failed", failed).Warn("mqtt publish failed")
				}
			}
		}
	}
}

// forward publishes ev without waiting for the broker. It reports false if
// the token already completed with an error.
func (p *Publisher) forward(ev events.Event) bool {
	token := p.client.Publish(p.Topic(ev.Name), 0, retained[ev.Name], []byte(ev.Data))
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			logrus.WithError(err).WithField("topic", p.Topic(ev.Name)).Debug("mqtt publish error")
			return false
		}
	default:
	}
	return true
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
