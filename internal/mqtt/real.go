package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// BufferSize is the number of messages kept while the broker is unreachable.
const BufferSize = 100

// ConnectTimeout is how long startup waits for the first broker connection.
const ConnectTimeout = 10 * time.Second

// ErrConnectTimeout is returned when the broker does not answer in time.
var ErrConnectTimeout = errors.New("connection timeout")

// RealPublisher publishes to an actual MQTT broker. Messages published
// while disconnected are buffered and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	topic  string
	log    *slog.Logger

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher connects to broker, waiting at most timeout for the first
// connection. Once connected, dropped connections are retried in the
// background and messages are buffered meanwhile.
func NewRealPublisher(broker, clientID string, timeout time.Duration, log *slog.Logger) (*RealPublisher, error) {
	p := &RealPublisher{
		topic: Topic,
		log:   log,
		buf:   newRingBuffer(BufferSize, log),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE"})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.flush() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("mqtt connection lost", "error", err)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		p.client.Disconnect(0)
		return nil, fmt.Errorf("%s: %w", broker, ErrConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// Publish sends a button event to the MQTT broker.
func (p *RealPublisher) Publish(event ButtonEvent) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.send(bufferedMsg{topic: p.topic, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events
	return p.send(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the client currently has a broker connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(msg)
		p.mu.Unlock()
		return nil
	}
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.topic, err)
	}
	return nil
}

// flush replays buffered messages. Runs on the paho connect handler.
func (p *RealPublisher) flush() {
	p.mu.Lock()
	msgs := p.buf.drainAll()
	p.mu.Unlock()
	if len(msgs) == 0 {
		return
	}
	p.log.Info("mqtt connected, replaying buffered messages", "count", len(msgs))
	for _, m := range msgs {
		p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	}
}
