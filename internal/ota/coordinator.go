package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
)

// State is the OTA task state.
type State int

// OTA states.
const (
	StateIdle State = iota
	StateHeaderValidation
	StateDownloading
	StateBurning
	StateSuccess
	StateFail
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeaderValidation:
		return "header_validation"
	case StateDownloading:
		return "downloading"
	case StateBurning:
		return "burning"
	case StateSuccess:
		return "success"
	case StateFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Progress states on the wire.
const (
	progressDownloading = "downloading"
	progressBurning     = "burning"
	progressDone        = "done"
	progressFail        = "fail"
)

// Failure messages reported to the cloud.
const (
	MsgSameVersion     = "Same version received"
	MsgProjectMismatch = "Project Name mismatch"
	MsgImageInvalid    = "Image validation failed"
	MsgBeginFailed     = "Firmware download begin failed"
	MsgDescriptorFail  = "Failed to read image description"
	MsgDownloadFailed  = "Firmware download failed"
	MsgStalled         = "Firmware download stalled"
	MsgCancelled       = "Firmware update cancelled"
	MsgFinishFailed    = "Firmware update failed"
)

const reportStep = 10

// Transport publishes reports and receives update commands.
// *mqtt.Client satisfies it.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Rebooter restarts the device into the new image.
type Rebooter interface {
	Reboot(delay time.Duration)
}

// Telemetry mirrors OTA progress. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteOTAProgress(taskID, version, state string, percent int)
}

// Logger defines the logging interface used by the Coordinator.
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

// Options configures a Coordinator.
type Options struct {
	Transport Transport
	Topics    mqtt.Topics
	Updater   Updater
	Config    config.OTAConfig

	// ProjectName is the running firmware's project.
	ProjectName string

	// Version returns the running firmware version.
	Version func() string

	// QoS for reports and the update subscription.
	QoS byte

	// Rebooter is optional; without it a successful update only logs.
	Rebooter Rebooter

	// Telemetry is optional.
	Telemetry Telemetry

	// Logger is optional.
	Logger Logger
}

// Coordinator runs firmware updates commanded on $ota/update, one at a
// time, and reports progress on $ota/report.
type Coordinator struct {
	transport   Transport
	topics      mqtt.Topics
	updater     Updater
	cfg         config.OTAConfig
	projectName string
	version     func() string
	qos         byte
	rebooter    Rebooter
	telemetry   Telemetry
	logger      Logger

	mu     sync.Mutex
	busy   bool
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. Call Enable to subscribe.
func New(opts Options) (*Coordinator, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Updater == nil {
		return nil, fmt.Errorf("updater is required")
	}
	if opts.Version == nil {
		return nil, fmt.Errorf("version source is required")
	}

	c := &Coordinator{
		transport:   opts.Transport,
		topics:      opts.Topics,
		updater:     opts.Updater,
		cfg:         opts.Config,
		projectName: opts.ProjectName,
		version:     opts.Version,
		qos:         opts.QoS,
		rebooter:    opts.Rebooter,
		telemetry:   opts.Telemetry,
		logger:      opts.Logger,
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	return c, nil
}

// versionReport is the report_version payload.
type versionReport struct {
	Type   string `json:"type"`
	Report struct {
		Version string `json:"version"`
	} `json:"report"`
}

// progressReport is the report_progress payload. The hub expects every
// progress field as a string.
type progressReport struct {
	Type   string `json:"type"`
	Report struct {
		Progress struct {
			State      string `json:"state"`
			Percent    string `json:"percent,omitempty"`
			ResultCode string `json:"result_code"`
			ResultMsg  string `json:"result_msg"`
		} `json:"progress"`
		Version string `json:"version"`
	} `json:"report"`
}

// Enable subscribes to update commands and reports the running version.
func (c *Coordinator) Enable() error {
	if err := c.transport.Subscribe(c.topics.OTAUpdate(), c.qos, c.handleUpdate); err != nil {
		return fmt.Errorf("subscribe to ota updates: %w", err)
	}

	var r versionReport
	r.Type = "report_version"
	r.Report.Version = c.version()
	if err := c.publish(r); err != nil {
		return fmt.Errorf("report version: %w", err)
	}
	c.logger.Info("ota enabled", "version", r.Report.Version)
	return nil
}

// handleUpdate starts an update from an $ota/update command.
func (c *Coordinator) handleUpdate(_ string, payload []byte) error {
	info, ok, err := ParseCommand(payload, c.cfg.ForceHTTPS)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if _, err := c.Start(info); err != nil {
		if errors.Is(err, ErrBusy) {
			c.logger.Warn("update command rejected", "version", info.Version, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// Start launches an update task and returns its id. It returns ErrBusy
// while another update is running.
func (c *Coordinator) Start(info Info) (string, error) {
	if info.FileSize <= 0 || info.URL == "" {
		return "", fmt.Errorf("%w: url and positive file size are required", ErrInvalidCommand)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return "", ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.busy = true
	c.cancel = cancel
	c.state = StateHeaderValidation

	t := &task{
		id:   uuid.NewString(),
		info: info,
		c:    c,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		t.run(ctx)

		c.mu.Lock()
		c.busy = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	c.logger.Info("ota started", "task_id", t.id, "version", info.Version, "url", info.URL, "size", info.FileSize)
	return t.id, nil
}

// Cancel stops the running update, if any.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		c.logger.Info("ota cancel requested")
		cancel()
	}
}

// Wait blocks until no update is running.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels a running update and waits for it to end.
func (c *Coordinator) Close() {
	c.Cancel()
	c.Wait()
}

// State returns the state of the current or last update.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether an update is running.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) publish(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding ota report: %w", err)
	}
	if err := c.transport.Publish(c.topics.OTAReport(), payload, c.qos, false); err != nil {
		return fmt.Errorf("publish ota report: %w", err)
	}
	return nil
}

// task is one update run.
type task struct {
	id       string
	info     Info
	c        *Coordinator
	reported bool
}

func (t *task) run(ctx context.Context) {
	c := t.c

	sess, err := c.updater.Begin(ctx, t.info.URL, t.info.FileSize, t.info.MD5Sum)
	if err != nil {
		t.failUnlessCancelled(ctx, MsgBeginFailed, err)
		return
	}

	committed := false
	defer func() {
		if !committed {
			if err := sess.Abort(); err != nil {
				c.logger.Debug("aborting ota session", "task_id", t.id, "error", err)
			}
		}
	}()

	desc, err := sess.Descriptor()
	if err != nil {
		t.failUnlessCancelled(ctx, MsgDescriptorFail, err)
		return
	}
	if msg, err := c.validate(desc); err != nil {
		t.fail(msg, err)
		return
	}

	c.setState(StateDownloading)
	t.progress(progressDownloading, "Downloading Firmware Image")

	next := reportStep
	last := sess.BytesRead()
	for {
		if ctx.Err() != nil {
			t.fail(MsgCancelled, ErrCancelled)
			return
		}

		done, err := sess.Perform()
		if errors.Is(err, ErrStalled) {
			t.fail(MsgStalled, err)
			return
		}
		if err != nil {
			t.failUnlessCancelled(ctx, MsgDownloadFailed, err)
			return
		}

		read := sess.BytesRead()
		t.info.Downloaded = read
		t.info.Percent = int(read * 100 / t.info.FileSize)
		if done {
			break
		}
		if read == last {
			t.fail(MsgStalled, fmt.Errorf("%w at %d bytes", ErrStalled, read))
			return
		}
		last = read

		if t.info.Percent >= next {
			t.progress(progressDownloading, "Firmware Image downloading")
			c.logger.Info("ota downloading", "task_id", t.id, "bytes", read, "percent", t.info.Percent)
			next = (t.info.Percent/reportStep + 1) * reportStep
		}
	}

	c.setState(StateBurning)
	t.progress(progressBurning, "Firmware Image download complete")

	if err := sess.Finish(); err != nil {
		if errors.Is(err, ErrImageValidation) {
			t.fail(MsgImageInvalid, err)
		} else {
			t.fail(MsgFinishFailed, err)
		}
		return
	}
	committed = true

	c.setState(StateSuccess)
	t.progress(progressDone, "OTA Upgrade finished successfully")
	c.logger.Info("ota succeeded", "task_id", t.id, "version", t.info.Version, "reboot_in", c.cfg.RebootDelay)
	if c.rebooter != nil {
		c.rebooter.Reboot(c.cfg.RebootDelay)
	}
}

// validate checks the image descriptor against the running firmware and
// returns the failure message to report.
func (c *Coordinator) validate(desc Descriptor) (string, error) {
	running := c.version()
	if !c.cfg.SkipVersionCheck && desc.Version == running {
		return MsgSameVersion, fmt.Errorf("%w: image version %s is already running", ErrImageValidation, desc.Version)
	}
	if !c.cfg.SkipProjectCheck && desc.ProjectName != c.projectName {
		return MsgProjectMismatch, fmt.Errorf("%w: image built for %q, expected %q",
			ErrImageValidation, desc.ProjectName, c.projectName)
	}
	return "", nil
}

// fail reports the failure once and records the Fail state.
func (t *task) fail(msg string, err error) {
	t.c.setState(StateFail)
	t.c.logger.Error("ota failed", "task_id", t.id, "reason", msg, "error", err)
	if t.reported {
		return
	}
	t.reported = true
	t.progress(progressFail, msg)
}

// failUnlessCancelled reports a cancellation instead of err when ctx
// has ended.
func (t *task) failUnlessCancelled(ctx context.Context, msg string, err error) {
	if ctx.Err() != nil {
		t.fail(MsgCancelled, fmt.Errorf("%w: %w", ErrCancelled, err))
		return
	}
	t.fail(msg, err)
}

// progress publishes a report_progress and mirrors it to telemetry.
func (t *task) progress(state, msg string) {
	var r progressReport
	r.Type = "report_progress"
	r.Report.Version = t.info.Version
	r.Report.Progress.State = state
	r.Report.Progress.ResultCode = "0"
	r.Report.Progress.ResultMsg = msg
	switch state {
	case progressDownloading:
		r.Report.Progress.Percent = strconv.Itoa(t.info.Percent)
	case progressFail:
		r.Report.Progress.ResultCode = "-1"
	}

	if err := t.c.publish(r); err != nil {
		t.c.logger.Warn("ota report failed", "task_id", t.id, "state", state, "error", err)
	}
	if t.c.telemetry != nil {
		t.c.telemetry.WriteOTAProgress(t.id, t.info.Version, state, t.info.Percent)
	}
}
