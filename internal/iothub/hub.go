package iothub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/qcloud-device/internal/device"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/qcloud-device/internal/notify"
	"github.com/nerrad567/qcloud-device/internal/storage"
)

// Transport is the MQTT connection used by the hub.
// *mqtt.Client satisfies it.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Store is the persistent key/value store. *storage.Store satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Erase(ctx context.Context, key string) error
}

// Notifier receives device events. *notify.Bus satisfies it.
type Notifier interface {
	Post(t notify.Type, payload []byte) bool
}

// Telemetry mirrors property reports. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteProperties(productID, deviceName string, fields map[string]interface{})
}

// LogLevelSetter applies the log upload level requested by the cloud.
type LogLevelSetter interface {
	SetIotHubLevel(level int) error
}

// Logger defines the logging interface used by the Hub.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// HubOptions configures a Hub.
type HubOptions struct {
	// Transport is the connected MQTT client.
	Transport Transport

	// Registry holds the profile, properties and actions.
	Registry *device.Registry

	// Config holds the bind timing.
	Config config.HubConfig

	// Device supplies the report_info strings.
	Device config.DeviceConfig

	// QoS for all publishes and subscriptions.
	QoS byte

	// Store is optional; without it no bind token is re-presented or erased.
	Store Store

	// Notifier is optional.
	Notifier Notifier

	// Telemetry is optional.
	Telemetry Telemetry

	// LogLevel is optional; without it remote log level replies are ignored.
	LogLevel LogLevelSetter

	// Logger is optional.
	Logger Logger
}

// Hub is one device session with the IoT hub: property sync, binding,
// actions and remote log level control.
//
// All public methods are thread-safe. Inbound handlers run on transport
// goroutines and may interleave across topics.
type Hub struct {
	transport Transport
	registry  *device.Registry
	cfg       config.HubConfig
	info      config.DeviceConfig
	qos       byte
	store     Store
	notifier  Notifier
	telemetry Telemetry
	logLevel  LogLevelSetter
	logger    Logger
	topics    mqtt.Topics

	connected atomic.Bool

	subMu      sync.Mutex
	subscribed []string

	bindMu    sync.Mutex
	bindState BindState
	session   *bindSession
	waiting   []*bindSession

	statusMu sync.Mutex
	status   statusRequest

	hookMu      sync.Mutex
	unbindHooks []func()
}

// NewHub creates a hub. Call Start to subscribe and report.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	profile := opts.Registry.Profile()
	h := &Hub{
		transport: opts.Transport,
		registry:  opts.Registry,
		cfg:       opts.Config,
		info:      opts.Device,
		qos:       opts.QoS,
		store:     opts.Store,
		notifier:  opts.Notifier,
		telemetry: opts.Telemetry,
		logLevel:  opts.LogLevel,
		logger:    opts.Logger,
		topics:    mqtt.Topics{ProductID: profile.ProductID, DeviceName: profile.DeviceName},
	}
	if h.logger == nil {
		h.logger = noopLogger{}
	}
	return h, nil
}

// Topics returns the topic builder for this device.
func (h *Hub) Topics() mqtt.Topics {
	return h.topics
}

// Start brings the session up.
//
// A bind token left in the store by provisioning is re-presented first,
// then the log, service, property and action topics are subscribed and
// the current property values are reported. EventInitDone is posted once
// the hub is connected.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.subscribe(h.topics.ThingDown(mqtt.FacetService), h.handleService); err != nil {
		return err
	}

	if token, ok := h.storedToken(ctx); ok {
		if err := h.Bind(ctx, token, BindOptions{Retry: h.cfg.BindRetry}); err != nil {
			h.logger.Warn("re-presenting stored bind token failed", "error", err)
		}
	}

	if err := h.registerLog(); err != nil {
		return err
	}
	if err := h.subscribe(h.topics.ThingDown(mqtt.FacetProperty), h.handleProperty); err != nil {
		return err
	}
	if err := h.subscribe(h.topics.ThingDown(mqtt.FacetAction), h.handleAction); err != nil {
		return err
	}
	if err := h.ReportAllProperties(ctx); err != nil {
		return fmt.Errorf("initial report: %w", err)
	}

	h.connected.Store(true)
	h.post(notify.EventInitDone, nil)
	h.logger.Info("iot hub session started",
		"product_id", h.topics.ProductID,
		"device_name", h.topics.DeviceName)
	return nil
}

// Stop ends the session and drops the hub's subscriptions. The transport
// itself is left open for its owner to close.
func (h *Hub) Stop() {
	h.connected.Store(false)

	h.subMu.Lock()
	topics := h.subscribed
	h.subscribed = nil
	h.subMu.Unlock()

	for _, topic := range topics {
		if err := h.transport.Unsubscribe(topic); err != nil {
			h.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	}
	h.logger.Info("iot hub session stopped")
}

// IsConnected reports whether the session is started and the transport is up.
func (h *Hub) IsConnected() bool {
	return h.connected.Load() && h.transport.IsConnected()
}

// OnUnbind registers fn to run when the cloud unbinds the device.
func (h *Hub) OnUnbind(fn func()) {
	h.hookMu.Lock()
	h.unbindHooks = append(h.unbindHooks, fn)
	h.hookMu.Unlock()
}

// subscribe subscribes once per topic and tracks the topic for Stop.
func (h *Hub) subscribe(topic string, handler mqtt.MessageHandler) error {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	for _, t := range h.subscribed {
		if t == topic {
			return nil
		}
	}
	if err := h.transport.Subscribe(topic, h.qos, handler); err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrTransport, topic, err)
	}
	h.subscribed = append(h.subscribed, topic)
	h.logger.Debug("subscribed", "topic", topic)
	return nil
}

// publish encodes env and sends it on topic.
func (h *Hub) publish(topic string, env Envelope) error {
	payload, err := Encode(env)
	if err != nil {
		return err
	}
	if err := h.transport.Publish(topic, payload, h.qos, false); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrTransport, env.Method, err)
	}
	h.logger.Debug("published", "topic", topic, "method", env.Method, "client_token", env.ClientToken)
	return nil
}

// PostMethod publishes m on the facet for its type with a fresh client
// token. Action replies keep the token they echo.
func (h *Hub) PostMethod(ctx context.Context, m *Method) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := m.Envelope(NewClientToken(h.topics.DeviceName))
	if err != nil {
		return err
	}
	return h.publish(h.topics.ThingUp(m.Facet()), env)
}

// PostEvent publishes an event_post with params.
func (h *Hub) PostEvent(ctx context.Context, eventID, eventType string, params device.Params) error {
	m := NewEvent(eventID, eventType)
	m.Params = params
	return h.PostMethod(ctx, m)
}

// post forwards a notification if a notifier is configured.
func (h *Hub) post(t notify.Type, payload []byte) {
	if h.notifier == nil {
		return
	}
	h.notifier.Post(t, payload)
}

// storedToken returns a bind token persisted by provisioning.
func (h *Hub) storedToken(ctx context.Context) (string, bool) {
	if h.store == nil {
		return "", false
	}
	token, err := h.store.Get(ctx, storage.KeyToken)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("reading stored bind token failed", "error", err)
		}
		return "", false
	}
	if len(token) == 0 {
		return "", false
	}
	return string(token), true
}
