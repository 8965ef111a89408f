// Package notify forwards attendance marks to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/config"
)

// ErrQueueFull is returned by Notify when the publisher has fallen behind.
var ErrQueueFull = errors.New("notification queue full")

const (
	queueSize      = 256
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// client is the part of mqtt.Client the notifier uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTNotifier publishes mark events as JSON to <prefix>/attendance/<identity_id>.
// Notify only queues, so a slow broker never stalls a camera.
type MQTTNotifier struct {
	client client
	prefix string
	qos    byte
	events chan attendance.MarkEvent
	logger *slog.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// Stats contains notifier counters.
type Stats struct {
	Published uint64
	Errors    uint64
	Queued    int
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	c := mqtt.NewClient(opts)
	logger.Info("connecting to mqtt broker", "broker", broker)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return newNotifier(c, cfg.TopicPrefix, cfg.QoS, logger), nil
}

func newNotifier(c client, prefix string, qos byte, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTNotifier{
		client: c,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		events: make(chan attendance.MarkEvent, queueSize),
		logger: logger,
	}
}

// Topic returns the topic a mark event is published to.
func (n *MQTTNotifier) Topic(ev attendance.MarkEvent) string {
	return fmt.Sprintf("%s/attendance/%s", n.prefix, ev.IdentityID)
}

// Notify queues ev for publishing.
func (n *MQTTNotifier) Notify(ctx context.Context, ev attendance.MarkEvent) error {
	select {
	case n.events <- ev:
		return nil
	default:
		n.mu.Lock()
		n.errors++
		n.mu.Unlock()
		return ErrQueueFull
	}
}

// Run publishes queued events until ctx is cancelled, then disconnects.
func (n *MQTTNotifier) Run(ctx context.Context) {
	defer n.client.Disconnect(250)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			if err := n.publish(ev); err != nil {
				n.logger.Warn("mark publish failed", "identity_id", ev.IdentityID, "error", err)
			}
		}
	}
}

func (n *MQTTNotifier) publish(ev attendance.MarkEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.countError()
		return fmt.Errorf("failed to marshal mark event: %w", err)
	}

	topic := n.Topic(ev)
	token := n.client.Publish(topic, n.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		n.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		n.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	n.mu.Lock()
	n.published++
	n.mu.Unlock()
	n.logger.Debug("mark published", "topic", topic, "qos", n.qos, "size", len(payload))
	return nil
}

func (n *MQTTNotifier) countError() {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
}

// Stats returns notifier counters.
func (n *MQTTNotifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{Published: n.published, Errors: n.errors, Queued: len(n.events)}
}
