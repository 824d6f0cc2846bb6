package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/qcloud-device/internal/device"
	"github.com/nerrad567/qcloud-device/internal/diaglog"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/influxdb"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/logging"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/qcloud-device/internal/iothub"
	"github.com/nerrad567/qcloud-device/internal/lightbulb"
	"github.com/nerrad567/qcloud-device/internal/notify"
	"github.com/nerrad567/qcloud-device/internal/ota"
	"github.com/nerrad567/qcloud-device/internal/storage"
	"github.com/nerrad567/qcloud-device/internal/supervisor"
)

// newRunCmd builds "run", the device main loop.
func newRunCmd(configPath *string) *cobra.Command {
	var bindToken string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath, bindToken)
		},
	}
	cmd.Flags().StringVar(&bindToken, "bind-token", "", "bind token issued by the app; the first session waits for the cloud to confirm it")
	return cmd
}

// app holds what outlives a single hub session.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	profile  device.Profile
	store    *storage.Store
	registry *device.Registry
	light    *lightbulb.Light
	bus      *notify.Bus
	pipeline *diaglog.Pipeline
	influx   *influxdb.Client
	control  sessionControl

	bindMu    sync.Mutex
	bindToken string
}

// sessionControl tracks the hub of the current session and ends the
// session with a restart request.
type sessionControl struct {
	mu     sync.Mutex
	cancel context.CancelCauseFunc
	hub    *iothub.Hub
}

func (c *sessionControl) set(cancel context.CancelCauseFunc, hub *iothub.Hub) {
	c.mu.Lock()
	c.cancel = cancel
	c.hub = hub
	c.mu.Unlock()
}

// current returns the hub of the running session, or nil.
func (c *sessionControl) current() *iothub.Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hub
}

// restart ends the current session, if any, with ErrRestart.
func (c *sessionControl) restart(reason string) {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel(supervisor.RequestRestart(reason))
	}
}

// rebooter restarts the session after an OTA update.
type rebooter struct {
	control *sessionControl
	log     *logging.Logger
}

func (r rebooter) Reboot(delay time.Duration) {
	r.log.Info("restarting into new firmware", "delay", delay)
	time.AfterFunc(delay, func() { r.control.restart("firmware updated") })
}

// run is the device logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//   - bindToken: optional bind token, presented by the first session with
//     a blocking wait for the cloud's answer
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath, bindToken string) error {
	log := logging.Default()
	log.Info("starting qcloud-light",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, cfg.Device.Version)
	log.Info("configuration loaded", "path", configPath)

	profile, err := profileFromConfig(cfg)
	if err != nil {
		return err
	}
	if err := profile.ValidateWithGrace(ctx, cfg.Hub.AuthGraceDelay); err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	bus := notify.NewBus(0)
	bus.SetLogger(log.With("component", "notify"))

	pipeline, closeSinks, err := openDiagLog(ctx, cfg, store, bus, log)
	if err != nil {
		return err
	}
	defer closeSinks()
	log = log.WrapHandler(pipeline.Handler).With("session_id", uuid.NewString())

	a := &app{
		cfg:      cfg,
		log:      log,
		profile:  profile,
		store:     store,
		bus:       bus,
		pipeline:  pipeline,
		bindToken: bindToken,
	}

	if cfg.InfluxDB.Enabled {
		a.influx, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := a.influx.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		a.influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	}

	a.light, err = lightbulb.New(lightbulb.Options{
		Driver: lightbulb.LogDriver{Logger: log.With("component", "driver")},
		Logger: log.With("component", "lightbulb"),
	})
	if err != nil {
		return fmt.Errorf("initialising light: %w", err)
	}
	defer a.light.Close()

	a.registry = device.NewRegistry(profile)
	a.registry.SetLogger(log.With("component", "registry"))
	a.light.Register(a.registry)

	bus.Subscribe(a.handleEvent)

	sup := supervisor.New(supervisor.Config{
		Name:            "iothub-session",
		RestartDelay:    time.Duration(cfg.MQTT.Reconnect.InitialDelay) * time.Second,
		MaxRestartDelay: time.Duration(cfg.MQTT.Reconnect.MaxDelay) * time.Second,
	})
	sup.SetLogger(log.With("component", "supervisor"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx, a.session) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("qcloud-light stopped")
	return nil
}

// profileFromConfig builds the device identity, reading cert files in
// cert mode.
func profileFromConfig(cfg *config.Config) (device.Profile, error) {
	mode, err := device.ParseAuthMode(cfg.Device.AuthMode)
	if err != nil {
		return device.Profile{}, err
	}
	p := device.Profile{
		ProductID:    cfg.Device.ProductID,
		DeviceName:   cfg.Device.DeviceName,
		Version:      cfg.Device.Version,
		AuthMode:     mode,
		DeviceSecret: cfg.Device.DeviceSecret,
	}
	if mode == device.AuthCert {
		if p.CertPEM, err = os.ReadFile(cfg.Device.CertFile); err != nil {
			return device.Profile{}, fmt.Errorf("reading device certificate: %w", err)
		}
		if p.KeyPEM, err = os.ReadFile(cfg.Device.KeyFile); err != nil {
			return device.Profile{}, fmt.Errorf("reading device key: %w", err)
		}
	}
	return p, nil
}

// openDiagLog builds the log pipeline and its flash and local sinks. The
// returned func closes the sinks.
func openDiagLog(ctx context.Context, cfg *config.Config, store *storage.Store, bus *notify.Bus, log *logging.Logger) (*diaglog.Pipeline, func(), error) {
	def, err := diaglog.ConfigFromSettings(cfg.DiagLog)
	if err != nil {
		return nil, nil, err
	}
	levels, err := diaglog.LoadConfig(ctx, store, def)
	if err != nil {
		log.Warn("using configured log levels", "error", err)
	}

	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close() //nolint:errcheck // Best effort cleanup on shutdown
		}
	}

	opts := diaglog.Options{
		Config: levels,
		Store:  store,
		Logger: log.With("component", "diaglog"),
	}
	if cfg.DiagLog.FlashPath != "" {
		spool, err := diaglog.OpenSpool(cfg.DiagLog.FlashPath, cfg.DiagLog.FlashMaxSize, bus)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, spool)
		opts.Spool = spool
	}
	if levels.Local != diaglog.LevelNone {
		opts.Local = os.Stderr
		if cfg.DiagLog.LocalPath != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.DiagLog.LocalPath), 0o755); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("creating local log directory: %w", err)
			}
			f, err := os.OpenFile(cfg.DiagLog.LocalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("opening local log: %w", err)
			}
			closers = append(closers, f)
			opts.Local = f
		}
	}

	pipeline, err := diaglog.NewPipeline(opts)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return pipeline, closeAll, nil
}

// handleEvent reacts to hub notifications.
func (a *app) handleEvent(ctx context.Context, ev notify.Event) {
	switch ev.Type {
	case notify.EventInitDone:
		a.log.Info("iot hub initialised")
		if hub := a.control.current(); hub != nil {
			if err := hub.ReportDeviceInfo(ctx); err != nil {
				a.log.Warn("report_info failed", "error", err)
			}
		}
	case notify.EventBound:
		a.log.Info("device binding successful")
	case notify.EventUnbound, notify.EventBindException:
		a.log.Warn("device unbound, erasing store", "event", ev.Type)
		if err := a.store.EraseAll(ctx); err != nil {
			a.log.Error("erasing store failed", "error", err)
		}
		if _, err := a.registry.ResetToDefaults(); err != nil {
			a.log.Warn("restoring default state failed", "error", err)
		}
		a.control.restart(string(ev.Type))
	case notify.EventStatusReceived:
		a.log.Info("received status", "reported", string(ev.Payload))
	case notify.EventLogFlashFull:
		a.log.Warn("flash log spool full")
	default:
		a.log.Debug("unhandled event", "event", ev.Type)
	}
}

// session runs one connection to the hub until ctx ends or a restart is
// requested.
func (a *app) session(ctx context.Context) error {
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.control.set(cancel, nil)
	defer a.control.set(nil, nil)

	var (
		creds mqtt.Credentials
		err   error
	)
	switch a.profile.AuthMode {
	case device.AuthCert:
		creds, err = mqtt.CertCredentials(a.profile.ProductID, a.profile.DeviceName, a.profile.CertPEM, a.profile.KeyPEM)
	default:
		creds, err = mqtt.KeyCredentials(a.profile.ProductID, a.profile.DeviceName, a.profile.DeviceSecret)
	}
	if err != nil {
		return fmt.Errorf("building credentials: %w", err)
	}

	mqttCfg := a.cfg.MQTT
	mqttCfg.Broker.Host = a.cfg.BrokerHost()
	client, err := mqtt.Connect(mqttCfg, creds)
	if errors.Is(err, mqtt.ErrAuthRejected) {
		a.log.Error("hub rejected device credentials", "product_id", a.profile.ProductID, "device_name", a.profile.DeviceName)
	}
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		a.log.Info("disconnecting from MQTT")
		if closeErr := client.Close(); closeErr != nil {
			a.log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	client.SetLogger(a.log.With("component", "mqtt"))
	client.SetOnConnect(func() { a.log.Info("MQTT reconnected") })
	client.SetOnDisconnect(func(err error) { a.log.Warn("MQTT disconnected", "error", err) })
	a.log.Info("MQTT connected", "broker", mqttCfg.Broker.Host, "client_id", client.ClientID())

	qos := byte(a.cfg.MQTT.QoS)
	var hubTelemetry iothub.Telemetry
	var otaTelemetry ota.Telemetry
	if a.influx != nil {
		hubTelemetry = a.influx
		otaTelemetry = a.influx
	}

	hub, err := iothub.NewHub(iothub.HubOptions{
		Transport: client,
		Registry:  a.registry,
		Config:    a.cfg.Hub,
		Device:    a.cfg.Device,
		QoS:       qos,
		Store:     a.store,
		Notifier:  a.bus,
		Telemetry: hubTelemetry,
		LogLevel:  a.pipeline,
		Logger:    a.log.With("component", "iothub"),
	})
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}
	a.control.set(cancel, hub)

	if a.profile.AuthMode == device.AuthKey {
		uploader, err := diaglog.NewUploader(diaglog.UploaderOptions{
			URL:          a.cfg.DiagLog.UploadURL,
			ProductID:    a.profile.ProductID,
			DeviceName:   a.profile.DeviceName,
			DeviceSecret: a.profile.DeviceSecret,
			Connected:    hub.IsConnected,
		})
		if err != nil {
			a.log.Warn("log upload disabled", "error", err)
		} else {
			a.pipeline.SetUploader(uploader)
			defer a.pipeline.SetUploader(nil)
		}
	}

	if a.cfg.OTA.Enabled {
		coord, err := ota.New(ota.Options{
			Transport:   client,
			Topics:      hub.Topics(),
			Updater:     ota.NewHTTPUpdater(a.cfg.OTA.StagingPath, a.cfg.OTA.HTTPTimeout),
			Config:      a.cfg.OTA,
			ProjectName: a.cfg.Device.ProjectName,
			Version:     func() string { return a.registry.Profile().Version },
			QoS:         qos,
			Rebooter:    rebooter{control: &a.control, log: a.log},
			Telemetry:   otaTelemetry,
			Logger:      a.log.With("component", "ota"),
		})
		if err != nil {
			return fmt.Errorf("creating ota coordinator: %w", err)
		}
		defer coord.Close()
		hub.OnUnbind(coord.Cancel)
		if err := coord.Enable(); err != nil {
			return err
		}
	}

	if err := hub.Start(sctx); err != nil {
		return fmt.Errorf("starting hub session: %w", err)
	}
	defer hub.Stop()

	reporting := make(chan struct{})
	go func() {
		defer close(reporting)
		_ = a.light.Run(sctx, hub.ReportAllProperties)
	}()
	defer func() {
		cancel(nil)
		<-reporting
	}()

	if token := a.takeBindToken(); token != "" {
		if err := a.bind(sctx, hub, token); err != nil {
			return err
		}
	}

	<-sctx.Done()
	if ctx.Err() != nil {
		return nil
	}
	return context.Cause(sctx)
}

// takeBindToken returns the command line bind token once.
func (a *app) takeBindToken() string {
	a.bindMu.Lock()
	defer a.bindMu.Unlock()
	token := a.bindToken
	a.bindToken = ""
	return token
}

// bind persists token, presents it and blocks until the cloud answers or
// the bind timeout passes. A persisted token is re-presented by later
// sessions until the cloud accepts it.
//
// A timeout is not an error here: the hub has already posted
// EventBindException, which erases the store and restarts the session.
// A refused token is erased and the session carries on unbound.
func (a *app) bind(ctx context.Context, hub *iothub.Hub, token string) error {
	if err := a.store.Set(ctx, storage.KeyToken, []byte(token)); err != nil {
		return fmt.Errorf("saving bind token: %w", err)
	}

	err := hub.Bind(ctx, token, iothub.BindOptions{Block: true, Retry: a.cfg.Hub.BindRetry})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, iothub.ErrBindRejected):
		a.log.Warn("device bind fail", "error", err)
		if err := a.store.Erase(ctx, storage.KeyToken); err != nil {
			a.log.Error("erasing bind token failed", "error", err)
		}
		return nil
	case errors.Is(err, iothub.ErrTimeout), ctx.Err() != nil:
		return nil
	default:
		return fmt.Errorf("binding device: %w", err)
	}
}
