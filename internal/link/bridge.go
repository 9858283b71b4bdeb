package link

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oliya09/CubeSat-1u/internal/config"
)

// Bridge mirrors the ground link over an MQTT broker: downlink frames
// and beacons are published, uplink command lines arrive by
// subscription. The radio link works without it; the bridge only adds
// a networked ground path for bench setups.
type Bridge struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once

	// UplinkHandler is called with each command line received on the
	// uplink topic. Set it before Connect.
	UplinkHandler func(line []byte)
}

// BeaconStatus is the JSON shape of the retained beacon message.
type BeaconStatus struct {
	Time     time.Time `json:"time"`
	State    string    `json:"state"`
	UptimeS  uint32    `json:"uptime_s"`
	BatteryV float64   `json:"battery_v"`
	Backlog  int       `json:"backlog"`
}

func NewBridge(cfg config.Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Callbacks keep internal state accurate
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		b.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	return b, nil
}

// Connect establishes the broker connection and subscribes to the
// uplink topic. It waits for the initial connection, and respects ctx
// and Disconnect().
func (b *Bridge) Connect(ctx context.Context) error {
	// Fail fast if already stopped.
	select {
	case <-b.stopCh:
		return fmt.Errorf("bridge stopped")
	default:
	}

	// Fast path.
	if b.IsConnected() {
		return nil
	}

	// Start connect attempt. With ConnectRetry(true), it may keep retrying internally.
	token := b.client.Connect()

	// Wait in a ctx/stop-aware loop.
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			// OnConnectHandler sets connected=true.
			break
		}

		select {
		case <-ctx.Done():
			b.client.Disconnect(0)
			return ctx.Err()
		case <-b.stopCh:
			b.client.Disconnect(0)
			return fmt.Errorf("bridge stopped")
		default:
		}
	}

	if err := b.subscribeUplink(); err != nil {
		b.client.Disconnect(0)
		return fmt.Errorf("subscribe: %w", err)
	}

	return nil
}

func (b *Bridge) subscribeUplink() error {
	if !b.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := b.uplinkTopic()
	qos := byte(1) // At least once delivery

	messageHandler := func(_ mqtt.Client, msg mqtt.Message) {
		b.handleUplink(msg.Topic(), msg.Payload())
	}

	token := b.client.Subscribe(topic, qos, messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}

	b.logger.Info("subscribed to uplink topic", "topic", topic, "qos", qos)
	return nil
}

func (b *Bridge) handleUplink(topic string, payload []byte) {
	b.logger.Debug("received uplink message", "topic", topic, "size", len(payload))

	// Command lines are JSON; junk is dropped here so the dispatcher
	// only sees parseable lines.
	if !json.Valid(payload) {
		b.logger.Warn("discarding malformed uplink line",
			"topic", topic,
			"payload", string(payload),
		)
		return
	}

	if b.UplinkHandler != nil {
		b.UplinkHandler(append([]byte(nil), payload...))
	}
}

// PublishDownlink publishes one framed downlink packet.
func (b *Bridge) PublishDownlink(frame []byte) error {
	if !b.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := b.downlinkTopic()

	token := b.client.Publish(topic, 1, false, frame)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		b.logger.Error("failed to publish downlink frame", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish downlink: %w", token.Error())
	}

	b.logger.Debug("published downlink frame", "topic", topic, "size", len(frame))
	return nil
}

// PublishBeacon publishes the current beacon status, retained so a
// ground console joining late still sees the last known state.
func (b *Bridge) PublishBeacon(status BeaconStatus) error {
	if !b.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := b.beaconTopic()

	if status.Time.IsZero() {
		status.Time = time.Now()
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal beacon: %w", err)
	}

	token := b.client.Publish(topic, 1, true, data) // retained
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		b.logger.Error("failed to publish beacon", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish beacon: %w", token.Error())
	}

	b.logger.Debug("published beacon",
		"topic", topic,
		"state", status.State,
		"uptime_s", status.UptimeS,
		"backlog", status.Backlog,
	)
	return nil
}

// IsConnected returns whether the bridge is connected to the broker.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	return connected && b.client.IsConnected()
}

// Disconnect stops the bridge and closes the MQTT connection.
// Idempotent and safe to call multiple times.
// After Disconnect, Connect() will return "bridge stopped".
func (b *Bridge) Disconnect() {
	// Signal shutdown once (unblocks any Connect loops).
	b.stopOnce.Do(func() { close(b.stopCh) })

	// Not under b.mu: paho may fire the connection-lost handler during
	// Disconnect, and that handler takes the lock.
	if b.client != nil {
		b.client.Disconnect(250)
	}

	// Update our internal state.
	b.setConnected(false)
	b.logger.Info("mqtt disconnected")
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Bridge) downlinkTopic() string {
	return fmt.Sprintf("cubesat/%s/downlink", b.cfg.MQTTClientID)
}

func (b *Bridge) uplinkTopic() string {
	return fmt.Sprintf("cubesat/%s/uplink", b.cfg.MQTTClientID)
}

func (b *Bridge) beaconTopic() string {
	return fmt.Sprintf("cubesat/%s/beacon", b.cfg.MQTTClientID)
}
