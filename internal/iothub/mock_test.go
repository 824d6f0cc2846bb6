package iothub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/qcloud-device/internal/device"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/qcloud-device/internal/notify"
	"github.com/nerrad567/qcloud-device/internal/storage"
)

const (
	testProductID  = "ABCDEFGHIJ"
	testDeviceName = "light01"
)

// MockMQTTClient implements Transport for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	connected     bool
	publishErr    error
	handlers      map[string]mqtt.MessageHandler
}

type mockPublish struct {
	Topic   string
	Payload []byte
	QoS     byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.subscriptions))
	copy(out, m.subscriptions)
	return out
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return errors.New("no handler for " + topic)
	}
	return handler(topic, payload)
}

// envelopesOn decodes every publish on topic.
func (m *MockMQTTClient) envelopesOn(t *testing.T, topic string) []Envelope {
	t.Helper()
	var out []Envelope
	for _, p := range m.GetPublished() {
		if p.Topic != topic {
			continue
		}
		var env Envelope
		require.NoError(t, json.Unmarshal(p.Payload, &env))
		out = append(out, env)
	}
	return out
}

// recordingNotifier records posted event types.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Post(t notify.Type, payload []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notify.Event{Type: t, Payload: payload})
	return true
}

func (n *recordingNotifier) count(t notify.Type) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == t {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last(t notify.Type) (notify.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].Type == t {
			return n.events[i], true
		}
	}
	return notify.Event{}, false
}

// memStore is an in-memory Store.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (s *memStore) Erase(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// lightAccessor is a two-property device with an optional failing id.
type lightAccessor struct {
	mu      sync.Mutex
	values  map[string]device.Value
	sets    []device.Param
	failSet string
	failGet string
}

func newLightAccessor() *lightAccessor {
	return &lightAccessor{values: map[string]device.Value{
		"power_switch": device.BoolValue(false),
		"hue":          device.IntValue(0),
	}}
}

func (a *lightAccessor) GetProperty(id string) (device.Value, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == a.failGet {
		return device.Value{}, errors.New("sensor offline")
	}
	v, ok := a.values[id]
	if !ok {
		return device.Value{}, errors.New("unknown property")
	}
	return v, nil
}

func (a *lightAccessor) SetProperty(id string, v device.Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == a.failSet {
		return errors.New("refused")
	}
	a.sets = append(a.sets, device.Param{ID: id, Value: v})
	a.values[id] = v
	return nil
}

func (a *lightAccessor) setCalls() []device.Param {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]device.Param, len(a.sets))
	copy(out, a.sets)
	return out
}

// levelRecorder implements LogLevelSetter.
type levelRecorder struct {
	mu    sync.Mutex
	level int
	calls int
}

func (l *levelRecorder) SetIotHubLevel(level int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.calls++
	return nil
}

type testHub struct {
	hub      *Hub
	mqtt     *MockMQTTClient
	notifier *recordingNotifier
	store    *memStore
	accessor *lightAccessor
	levels   *levelRecorder
	registry *device.Registry
}

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		BindTimeout:       200 * time.Millisecond,
		BindRetryAttempts: 3,
		BindRetryInterval: 50 * time.Millisecond,
		AuthGraceDelay:    10 * time.Millisecond,
	}
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	registry := device.NewRegistry(device.Profile{
		ProductID:  testProductID,
		DeviceName: testDeviceName,
		Version:    "1.0.0",
		AuthMode:   device.AuthKey,
	})
	registry.RegisterProperty("power_switch", device.TypeBool, device.BoolValue(false))
	registry.RegisterProperty("hue", device.TypeInt, device.IntValue(0))
	accessor := newLightAccessor()
	registry.BindAccessor(accessor)

	th := &testHub{
		mqtt:     NewMockMQTTClient(),
		notifier: &recordingNotifier{},
		store:    newMemStore(),
		accessor: accessor,
		levels:   &levelRecorder{},
		registry: registry,
	}

	hub, err := NewHub(HubOptions{
		Transport: th.mqtt,
		Registry:  registry,
		Config:    testHubConfig(),
		Device: config.DeviceConfig{
			HardwareInfo: "linux",
			SoftwareInfo: "qcloud-device",
		},
		QoS:      1,
		Store:    th.store,
		Notifier: th.notifier,
		LogLevel: th.levels,
	})
	require.NoError(t, err)
	th.hub = hub
	return th
}

// startedHub returns a hub after Start with the publish log cleared.
func startedHub(t *testing.T) *testHub {
	t.Helper()
	th := newTestHub(t)
	require.NoError(t, th.hub.Start(context.Background()))
	th.mqtt.ClearPublished()
	return th
}
