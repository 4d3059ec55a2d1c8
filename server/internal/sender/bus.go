package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

// Publisher is the subset of *nats.Conn used by NATS.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each job as a JSON Message on a subject.
type NATS struct {
	pub     Publisher
	subject string
	now     func() time.Time
	close   func()
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, subject string) *NATS {
	return &NATS{pub: pub, subject: subject, now: time.Now, close: func() {}}
}

// DialNATS connects to the NATS server at url.
func DialNATS(url, subject string) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("nestlog-nudges"))
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	n := NewNATS(conn, subject)
	n.close = func() {
		_ = conn.Drain()
		conn.Close()
	}
	return n, nil
}

// Send implements nudge.Sender.
func (n *NATS) Send(_ context.Context, job nudge.Job) (string, error) {
	data, err := json.Marshal(newMessage(job, n.now()))
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return "", fmt.Errorf("nats publish %s: %w", n.subject, err)
	}
	return fmt.Sprintf("%s published to %s", job.Channel.Label(), n.subject), nil
}

// Close drains and closes the connection when NATS owns it.
func (n *NATS) Close() { n.close() }

// TokenPublisher is the subset of mqtt.Client used by MQTT.
type TokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes each job as a JSON Message on a topic.
type MQTT struct {
	client TokenPublisher
	topic  string
	qos    byte
	now    func() time.Time
	close  func()
}

// NewMQTT wraps an existing client.
func NewMQTT(client TokenPublisher, topic string, qos byte) *MQTT {
	return &MQTT{client: client, topic: topic, qos: qos, now: time.Now, close: func() {}}
}

// DialMQTT connects to broker with automatic reconnects.
func DialMQTT(broker, clientID, topic string, qos byte) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", broker, token.Error())
	}
	m := NewMQTT(client, topic, qos)
	m.close = func() { client.Disconnect(250) }
	return m, nil
}

// Send implements nudge.Sender. It waits for the broker acknowledgement or
// ctx, whichever comes first.
func (m *MQTT) Send(ctx context.Context, job nudge.Job) (string, error) {
	data, err := json.Marshal(newMessage(job, m.now()))
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	token := m.client.Publish(m.topic, m.qos, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return "", fmt.Errorf("mqtt publish %s: %w", m.topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return "", fmt.Errorf("mqtt publish %s: %w", m.topic, err)
	}
	return fmt.Sprintf("%s published to %s", job.Channel.Label(), m.topic), nil
}

// Close disconnects when MQTT owns the client.
func (m *MQTT) Close() { m.close() }

var errNoEndpoint = errors.New("endpoint environment variable is empty")
