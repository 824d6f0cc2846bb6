package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/qcloud-device/internal/device"
	"github.com/nerrad567/qcloud-device/internal/diaglog"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/logging"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/qcloud-device/internal/iothub"
	"github.com/nerrad567/qcloud-device/internal/lightbulb"
	"github.com/nerrad567/qcloud-device/internal/notify"
	"github.com/nerrad567/qcloud-device/internal/storage"
	"github.com/nerrad567/qcloud-device/internal/supervisor"
)

// writeConfig writes a minimal config rooted in a temp dir and returns its path.
func writeConfig(t *testing.T, device string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	content := device + `
hub:
  auth_grace_delay: 0s

ota:
  enabled: false

diag_log:
  flash_path: "` + filepath.Join(dir, "diag.cbor") + `"

database:
  path: "` + filepath.Join(dir, "qcloud.db") + `"

logging:
  level: error
  format: text
  output: stderr
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path, dir
}

const validDevice = `
device:
  product_id: "ABCDEFGHIJ"
  device_name: "light01"
  device_secret: "c2VjcmV0c2VjcmV0c2VjcmV0"
`

// execute runs the command tree with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, "/nonexistent/path/config.yaml", "")
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("run() error = %v, want not-exist", err)
	}
}

// TestRun_InvalidIdentity verifies run refuses a malformed identity before
// touching the network.
func TestRun_InvalidIdentity(t *testing.T) {
	path, _ := writeConfig(t, `
device:
  product_id: "SHORT"
  device_name: "light01"
  device_secret: "secret"
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, path, "")
	if !errors.Is(err, device.ErrAuthConfigInvalid) {
		t.Errorf("run() error = %v, want %v", err, device.ErrAuthConfigInvalid)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("QCLOUD_CONFIG", "")

	path := getConfigPath()
	if path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("QCLOUD_CONFIG", expected)

	path := getConfigPath()
	if path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestStoreCommands(t *testing.T) {
	path, _ := writeConfig(t, validDevice)

	if _, err := execute(t, "--config", path, "store", "set", "token", "abc123"); err != nil {
		t.Fatalf("store set: %v", err)
	}

	out, err := execute(t, "--config", path, "store", "get", "token")
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if strings.TrimSpace(out) != "abc123" {
		t.Errorf("store get = %q, want %q", out, "abc123")
	}

	if _, err := execute(t, "--config", path, "store", "erase-all"); err != nil {
		t.Fatalf("store erase-all: %v", err)
	}
	if _, err := execute(t, "--config", path, "store", "get", "token"); err == nil {
		t.Error("store get after erase-all should fail")
	}
}

func TestLogsCommand(t *testing.T) {
	path, dir := writeConfig(t, validDevice)

	spool, err := diaglog.OpenSpool(filepath.Join(dir, "diag.cbor"), 0, nil)
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	rec := diaglog.Record{
		Time:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Level:   diaglog.LevelError,
		Message: "mqtt disconnected",
	}
	if err := spool.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := spool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, err := execute(t, "--config", path, "logs", "--clear")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, rec.Text()) {
		t.Errorf("logs output = %q, want it to contain %q", out, rec.Text())
	}

	out, err = execute(t, "--config", path, "logs")
	if err != nil {
		t.Fatalf("logs after clear: %v", err)
	}
	if out != "" {
		t.Errorf("logs after clear = %q, want empty", out)
	}
}

func TestLogsCommand_NoSpool(t *testing.T) {
	path, _ := writeConfig(t, validDevice)

	out, err := execute(t, "--config", path, "logs")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "" {
		t.Errorf("logs = %q, want empty", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "qcloud-light "+version) {
		t.Errorf("version output = %q", out)
	}
}

// fakeHubTransport records publishes. When answer is set it is delivered
// on the service down topic after each app_bind_token; otherwise the
// cloud never answers.
type fakeHubTransport struct {
	mu        sync.Mutex
	published map[string][]string
	handlers  map[string]mqtt.MessageHandler
	answer    []byte
}

func newFakeHubTransport() *fakeHubTransport {
	return &fakeHubTransport{
		published: make(map[string][]string),
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeHubTransport) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.mu.Lock()
	f.published[topic] = append(f.published[topic], string(payload))
	answer := f.answer
	var reply mqtt.MessageHandler
	if strings.Contains(string(payload), `"app_bind_token"`) {
		reply = f.handlers[strings.Replace(topic, "/up/", "/down/", 1)]
	}
	f.mu.Unlock()

	if answer != nil && reply != nil {
		go reply("", answer) //nolint:errcheck // test transport
	}
	return nil
}

func (f *fakeHubTransport) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	f.handlers[topic] = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeHubTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	delete(f.handlers, topic)
	f.mu.Unlock()
	return nil
}

func (f *fakeHubTransport) IsConnected() bool { return true }

func (f *fakeHubTransport) messages(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[topic]...)
}

// newTestApp builds the app around a hub on a fake transport with a short
// bind timeout. The notification bus is running.
func newTestApp(t *testing.T, tr *fakeHubTransport) (*app, *iothub.Hub) {
	t.Helper()
	path, _ := writeConfig(t, validDevice)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Hub.BindTimeout = 100 * time.Millisecond
	cfg.Hub.BindRetry = false

	profile, err := profileFromConfig(cfg)
	if err != nil {
		t.Fatalf("profileFromConfig: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	light, err := lightbulb.New(lightbulb.Options{Driver: lightbulb.LogDriver{}})
	if err != nil {
		t.Fatalf("lightbulb.New: %v", err)
	}
	t.Cleanup(light.Close)
	registry := device.NewRegistry(profile)
	light.Register(registry)

	bus := notify.NewBus(0)
	a := &app{
		cfg:      cfg,
		log:      logging.New(cfg.Logging, "test"),
		profile:  profile,
		store:    store,
		registry: registry,
		light:    light,
		bus:      bus,
	}
	bus.Subscribe(a.handleEvent)
	go bus.Run(ctx) //nolint:errcheck // Run always returns nil

	hub, err := iothub.NewHub(iothub.HubOptions{
		Transport: tr,
		Registry:  registry,
		Config:    cfg.Hub,
		Device:    cfg.Device,
		QoS:       1,
		Store:     store,
		Notifier:  bus,
	})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	return a, hub
}

func TestBind_TimeoutErasesStoreAndRestarts(t *testing.T) {
	tr := newFakeHubTransport()
	a, hub := newTestApp(t, tr)
	ctx := context.Background()

	if err := a.light.SetProperty(lightbulb.PropHue, device.IntValue(240)); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.control.set(cancel, hub)

	if err := a.bind(sctx, hub, "app-token"); err != nil {
		t.Fatalf("bind() error = %v", err)
	}

	select {
	case <-sctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not restarted after bind timeout")
	}
	if cause := context.Cause(sctx); !errors.Is(cause, supervisor.ErrRestart) {
		t.Errorf("session cause = %v, want %v", cause, supervisor.ErrRestart)
	}
	if hub.BindState() != iothub.StateBindTimedOut {
		t.Errorf("BindState() = %v, want %v", hub.BindState(), iothub.StateBindTimedOut)
	}
	if _, err := a.store.Get(ctx, storage.KeyToken); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stored token after bind exception: err = %v, want %v", err, storage.ErrNotFound)
	}
	if got := a.light.State(); got != lightbulb.DefaultState {
		t.Errorf("light state = %+v, want %+v", got, lightbulb.DefaultState)
	}

	sent := tr.messages(hub.Topics().ThingUp(mqtt.FacetService))
	if len(sent) != 1 || !strings.Contains(sent[0], `"token":"app-token"`) {
		t.Errorf("service publishes = %v, want one app_bind_token", sent)
	}
}

func TestBind_RejectedErasesToken(t *testing.T) {
	tr := newFakeHubTransport()
	tr.answer = []byte(`{"method":"app_bind_token_reply","code":1002,"status":"token expired"}`)
	a, hub := newTestApp(t, tr)

	sctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	a.control.set(cancel, hub)

	if err := a.bind(sctx, hub, "app-token"); err != nil {
		t.Fatalf("bind() error = %v", err)
	}
	if hub.BindState() != iothub.StateBindFailed {
		t.Errorf("BindState() = %v, want %v", hub.BindState(), iothub.StateBindFailed)
	}
	if _, err := a.store.Get(sctx, storage.KeyToken); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stored token after rejection: err = %v, want %v", err, storage.ErrNotFound)
	}
	if sctx.Err() != nil {
		t.Errorf("session ended after rejection: %v", context.Cause(sctx))
	}
}

func TestTakeBindToken_Once(t *testing.T) {
	a := &app{bindToken: "app-token"}
	if got := a.takeBindToken(); got != "app-token" {
		t.Errorf("takeBindToken() = %q, want %q", got, "app-token")
	}
	if got := a.takeBindToken(); got != "" {
		t.Errorf("second takeBindToken() = %q, want empty", got)
	}
}

func TestInitDone_ReportsDeviceInfo(t *testing.T) {
	tr := newFakeHubTransport()
	a, hub := newTestApp(t, tr)
	a.control.set(func(error) {}, hub)

	a.handleEvent(context.Background(), notify.Event{Type: notify.EventInitDone})

	sent := tr.messages(hub.Topics().ThingUp(mqtt.FacetProperty))
	if len(sent) != 1 {
		t.Fatalf("property publishes = %d, want 1", len(sent))
	}
	if !strings.Contains(sent[0], `"report_info"`) || !strings.Contains(sent[0], `"fw_ver"`) {
		t.Errorf("init publish = %s, want report_info with fw_ver", sent[0])
	}
}
