package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
)

// Client is a paho.mqtt.golang connection to the Tencent IoT hub.
//
// paho reconnects on its own; Client remembers every subscription and
// replays it after each reconnect, since the hub does not keep sessions
// for devices that connect with a clean session. All methods are safe
// for concurrent use.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig
	creds   Credentials

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected atomic.Bool
	connects  atomic.Int64

	hookMu       sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)

	// logger is nil until SetLogger.
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked in separate goroutines by the paho library.
// They should not block for extended periods.
//
// Parameters:
//   - topic: The topic the message was received on (wildcards expanded)
//   - payload: The raw message payload (typically JSON)
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// Connect dials the hub and waits up to 10s for CONNACK. paho keeps
// reconnecting afterwards with the backoff from cfg.Reconnect.
//
// cfg.Broker.Host must already be resolved (see config.Config.BrokerHost).
// No Last Will is set; the hub has no retained status topic.
func Connect(cfg config.MQTTConfig, creds Credentials) (*Client, error) {
	opts, err := buildClientOptions(cfg, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		cfg:           cfg,
		creds:         creds,
		options:       opts,
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("reconnecting to IoT hub", "broker", brokerURL(cfg), "client_id", creds.ClientID)
		}
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: no CONNACK within %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			err = fmt.Errorf("%w: %w", ErrAuthRejected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnectHandler may not have run yet.
	c.connected.Store(true)

	return c, nil
}

// ClientID returns the MQTT client ID presented to the hub.
func (c *Client) ClientID() string {
	return c.creds.ClientID
}

// handleConnect runs on every connect. The first has nothing to replay.
func (c *Client) handleConnect() {
	c.connected.Store(true)
	if c.connects.Add(1) > 1 {
		c.restoreSubscriptions()
	}

	c.hookMu.RLock()
	fn := c.onConnect
	c.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.hookMu.RLock()
	fn := c.onDisconnect
	c.hookMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// restoreSubscriptions replays the remembered subscriptions in one
// SUBSCRIBE. It must not block the paho callback, so the ack is awaited
// on its own goroutine.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	if len(c.subscriptions) == 0 {
		c.subMu.RUnlock()
		return
	}
	filters := make(map[string]byte, len(c.subscriptions))
	handlers := make(map[string]pahomqtt.MessageHandler, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		filters[topic] = sub.qos
		handlers[topic] = c.wrapHandler(sub.handler)
	}
	c.subMu.RUnlock()

	for topic, h := range handlers {
		c.client.AddRoute(topic, h)
	}
	token := c.client.SubscribeMultiple(filters, nil)
	go func() {
		if err := await(token, ErrSubscribeFailed); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("restoring subscriptions failed", "topics", len(filters), "error", err)
			}
		}
	}()
}

// Close disconnects, giving in-flight publishes a moment to complete.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the connection is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client.IsConnected()
}

// Reconnects returns how many times the connection has been re-established
// since Connect.
func (c *Client) Reconnects() int {
	n := c.connects.Load() - 1
	if n < 0 {
		return 0
	}
	return int(n)
}

// SetOnConnect sets a callback run on every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.hookMu.Lock()
	c.onConnect = callback
	c.hookMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.hookMu.Lock()
	c.onDisconnect = callback
	c.hookMu.Unlock()
}

// SetLogger sets the logger for handler errors and recovered panics.
// A nil logger silences them.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler adapts handler to paho, recovering panics and logging
// returned errors.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
