package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/pat/internal/monitoring"
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker         string        `json:"broker"`
	ClientID       string        `json:"client_id"`
	QoS            byte          `json:"qos"`
	KeepAlive      time.Duration `json:"keep_alive"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// Normalize applies defaults for any unset values.
func (o MQTTOptions) Normalize() (MQTTOptions, error) {
	opts := o
	if opts.Broker == "" {
		opts.Broker = "tcp://127.0.0.1:1883"
	}
	if opts.ClientID == "" {
		opts.ClientID = "pat-" + randomID()
	}
	if opts.QoS > 2 {
		return opts, fmt.Errorf("invalid qos %d: must be 0, 1 or 2", opts.QoS)
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 2 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return opts, nil
}

// MQTT is a Fabric backed by an MQTT broker. The paho client delivers
// messages on its own goroutine; they are fanned out to subscriber channels
// without blocking it.
type MQTT struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logf    func(format string, v ...interface{})

	mu      sync.Mutex
	subs    map[string]*subscription
	refs    map[string]int
	closed  bool
	dropped atomic.Uint64
}

var _ Fabric = (*MQTT)(nil)

// NewMQTT connects to the broker described by opts.
func NewMQTT(opts MQTTOptions) (*MQTT, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	co := mqtt.NewClientOptions().AddBroker(opts.Broker).SetClientID(opts.ClientID)
	co.SetKeepAlive(opts.KeepAlive)
	co.SetPingTimeout(time.Second)
	co.SetConnectTimeout(opts.ConnectTimeout)
	co.SetAutoReconnect(true)

	c := mqtt.NewClient(co)
	token := c.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %v", opts.Broker, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	return NewMQTTWithClient(c, opts.QoS, opts.ConnectTimeout), nil
}

// NewMQTTWithClient wraps an already connected client.
func NewMQTTWithClient(c mqtt.Client, qos byte, timeout time.Duration) *MQTT {
	return &MQTT{
		client:  c,
		qos:     qos,
		timeout: timeout,
		logf:    monitoring.LogfOr(nil),
		subs:    make(map[string]*subscription),
		refs:    make(map[string]int),
	}
}

func (m *MQTT) wait(t mqtt.Token, what string) error {
	if !t.WaitTimeout(m.timeout) {
		return fmt.Errorf("%s: timed out after %v", what, m.timeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// Publish sends payload to the broker and waits for the client to hand it off.
func (m *MQTT) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return m.wait(m.client.Publish(topic, m.qos, false, payload), "publish "+topic)
}

// Subscribe registers a channel for topic, subscribing at the broker on the
// first local subscriber.
func (m *MQTT) Subscribe(topic string) (string, <-chan []byte, error) {
	if topic == "" {
		return "", nil, ErrEmptyTopic
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", nil, ErrClosed
	}
	first := m.refs[topic] == 0
	m.refs[topic]++
	id := randomID()
	s := &subscription{topic: topic, ch: make(chan []byte, SubscriberBuffer)}
	m.subs[id] = s
	m.mu.Unlock()

	if first {
		if err := m.wait(m.client.Subscribe(topic, m.qos, m.dispatch), "subscribe "+topic); err != nil {
			m.Unsubscribe(id)
			return "", nil, err
		}
	}
	return id, s.ch, nil
}

// dispatch is the paho message callback.
func (m *MQTT) dispatch(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.topic != topic {
			continue
		}
		if !s.deliver(append([]byte(nil), msg.Payload()...)) {
			m.dropped.Add(1)
		}
	}
}

// Unsubscribe removes a subscription, unsubscribing at the broker when the
// last local subscriber of its topic goes away.
func (m *MQTT) Unsubscribe(id string) {
	m.mu.Lock()
	s, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	close(s.ch)
	delete(m.subs, id)
	m.refs[s.topic]--
	last := m.refs[s.topic] <= 0
	if last {
		delete(m.refs, s.topic)
	}
	closed := m.closed
	m.mu.Unlock()

	if last && !closed {
		if err := m.wait(m.client.Unsubscribe(s.topic), "unsubscribe "+s.topic); err != nil {
			m.logf("mqtt: %v", err)
		}
	}
}

// Dropped reports deliveries discarded because a subscriber's buffer was full.
func (m *MQTT) Dropped() uint64 {
	return m.dropped.Load()
}

// Close closes every subscriber channel and disconnects from the broker.
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
	clear(m.refs)
	m.mu.Unlock()

	m.client.Disconnect(250)
	return nil
}
