// Package eventbus implements the Event Bus Adapter: an MQTT publisher
// for lifecycle/result topics and a subscriber for inbound control and
// device-state topics, with one bounded disconnect buffer shared by all
// outbound topics.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/agalue/voice-gateway/internal/ring"
	"github.com/agalue/voice-gateway/internal/tools"
)

// Outbound topics per §4.12.
const (
	TopicRequest  = "voice/req"
	TopicResponse = "voice/res"
	TopicStatus   = "voice/status"
	TopicEvents   = "voice/events"
)

// disconnectBufferCap is the capacity of the single ring, shared by all
// outbound topics, used to survive a broker disconnect, mirroring the capture/embedding ring
// buffer's drop-oldest contract.
const disconnectBufferCap = 256

type pending struct {
	topic    string
	payload  []byte
	retained bool
}

// Bus is the Event Bus Adapter. It satisfies tools.DeviceBus so the
// device_control tool can use it directly for status/command
// dispatch.
type Bus struct {
	log    *slog.Logger
	client mqtt.Client
	qos    byte

	connected bool
	buffer    *ring.Buffer[pending]
	dropped   uint64

	controlTopic      string
	deviceStatusTopic func(deviceID string) string
	deviceCmdTopic    func(deviceID string) string
}

// Config configures the adapter.
type Config struct {
	BrokerURL      string
	ClientID       string
	QoS            byte // defaults to 1 (at-least-once)
	ConnectTimeout time.Duration

	// ControlTopic carries inbound control messages, passed unparsed to
	// the control handler given to New.
	ControlTopic string
	// DeviceStatusTopic and DeviceCommandTopic format the per-device
	// topics the device_control tool uses.
	DeviceStatusTopic  func(deviceID string) string
	DeviceCommandTopic func(deviceID string) string
}

func (c *Config) defaults() {
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// ControlHandler processes an inbound control message.
type ControlHandler func(payload []byte)

// New constructs a Bus and connects to the broker, retrying per the
// client library's own backoff policy. onControl, if non-nil, is
// invoked for each message on ControlTopic.
func New(ctx context.Context, log *slog.Logger, cfg Config, onControl ControlHandler) (*Bus, error) {
	cfg.defaults()

	b := &Bus{
		log:               log,
		qos:               cfg.QoS,
		buffer:            ring.New[pending](disconnectBufferCap),
		controlTopic:      cfg.ControlTopic,
		deviceStatusTopic: cfg.DeviceStatusTopic,
		deviceCmdTopic:    cfg.DeviceCommandTopic,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			b.log.Info("event bus connected", "broker", cfg.BrokerURL)
			b.connected = true
			b.drainBuffer()
			if cfg.ControlTopic != "" && onControl != nil {
				c.Subscribe(cfg.ControlTopic, cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
					onControl(msg.Payload())
				})
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn("event bus disconnected", "error", err)
			b.connected = false
		})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("eventbus: connect timed out after %s", cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("eventbus: connect failed: %w", err)
	}

	return b, nil
}

// Connected reports whether the broker connection is currently up.
func (b *Bus) Connected() bool { return b.connected }

// DroppedCount returns how many buffered messages have been evicted by
// overflow during prolonged disconnects. The health snapshot does not
// include it.
func (b *Bus) DroppedCount() uint64 { return b.buffer.Overflow() }

// publish sends payload to topic, buffering it if disconnected.
func (b *Bus) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload for %s: %w", topic, err)
	}

	if !b.connected {
		b.buffer.Push(pending{topic: topic, payload: payload, retained: retained})
		return nil
	}

	token := b.client.Publish(topic, b.qos, retained, payload)
	token.Wait()
	return token.Error()
}

// drainBuffer flushes buffered messages oldest-first on reconnect. A
// publish failure mid-drain re-buffers the remainder rather than
// losing it.
func (b *Bus) drainBuffer() {
	items := b.buffer.DrainAll()
	for i, item := range items {
		token := b.client.Publish(item.topic, b.qos, item.retained, item.payload)
		token.Wait()
		if err := token.Error(); err != nil {
			b.log.Warn("eventbus: failed to drain buffered message, re-buffering remainder", "topic", item.topic, "error", err)
			for _, remaining := range items[i:] {
				b.buffer.Push(remaining)
			}
			return
		}
	}
}

// envelope wraps every outbound payload with the common fields shared
// across topics.
type envelope struct {
	SessionID   string `json:"session_id"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// PublishRequest publishes voice/req after a successful transcription.
func (b *Bus) PublishRequest(sessionID, text string, now time.Time) error {
	return b.publish(TopicRequest, false, struct {
		envelope
		Text string `json:"text"`
	}{envelope{sessionID, now.UnixMilli()}, text})
}

// PublishResponse publishes voice/res after the AI Router produces a
// final response.
func (b *Bus) PublishResponse(sessionID, text string, now time.Time) error {
	return b.publish(TopicResponse, false, struct {
		envelope
		Text string `json:"text"`
	}{envelope{sessionID, now.UnixMilli()}, text})
}

// PublishStatus publishes the retained voice/status topic.
func (b *Bus) PublishStatus(sessionID, status string, now time.Time) error {
	return b.publish(TopicStatus, true, struct {
		envelope
		Status string `json:"status"`
	}{envelope{sessionID, now.UnixMilli()}, status})
}

// PublishTransition publishes a granular state transition.
func (b *Bus) PublishTransition(sessionID, from, to, reason string, now time.Time) error {
	return b.publish(TopicEvents, false, struct {
		envelope
		From   string `json:"from"`
		To     string `json:"to"`
		Reason string `json:"reason"`
	}{envelope{sessionID, now.UnixMilli()}, from, to, reason})
}

// Close disconnects cleanly.
func (b *Bus) Close() {
	b.client.Disconnect(250)
}

// Status implements tools.DeviceBus by querying the device-state topic
// and waiting briefly for a retained response.
func (b *Bus) Status(ctx context.Context, deviceID string) (tools.DeviceStatus, error) {
	if b.deviceStatusTopic == nil {
		return tools.DeviceStatus{}, fmt.Errorf("eventbus: no device status topic configured")
	}

	topic := b.deviceStatusTopic(deviceID)
	result := make(chan tools.DeviceStatus, 1)
	token := b.client.Subscribe(topic, b.qos, func(_ mqtt.Client, msg mqtt.Message) {
		var status tools.DeviceStatus
		if err := json.Unmarshal(msg.Payload(), &status); err == nil {
			select {
			case result <- status:
			default:
			}
		}
	})
	if !token.WaitTimeout(3 * time.Second) {
		return tools.DeviceStatus{}, fmt.Errorf("eventbus: subscribe to %s timed out", topic)
	}
	defer b.client.Unsubscribe(topic)

	select {
	case status := <-result:
		return status, nil
	case <-time.After(2 * time.Second):
		return tools.DeviceStatus{Exists: false}, nil
	case <-ctx.Done():
		return tools.DeviceStatus{}, ctx.Err()
	}
}

// Command implements tools.DeviceBus by publishing a command to the
// device's command topic.
func (b *Bus) Command(ctx context.Context, deviceID, command string) error {
	if b.deviceCmdTopic == nil {
		return fmt.Errorf("eventbus: no device command topic configured")
	}
	return b.publish(b.deviceCmdTopic(deviceID), false, struct {
		Command string `json:"command"`
	}{command})
}
