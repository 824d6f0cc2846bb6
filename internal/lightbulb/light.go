package lightbulb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/qcloud-device/internal/device"
)

// Property ids.
const (
	PropPowerSwitch = "power_switch"
	PropHue         = "hue"
	PropSaturation  = "saturation"
	PropValue       = "value"
)

// ActionIdentify blinks the light so an installer can find it.
const ActionIdentify = "identify"

const (
	maxHue        = 360
	maxPercent    = 100
	defaultBlinks = 3
	maxBlinks     = 10
)

// State is the light's output.
type State struct {
	On         bool
	Hue        int
	Saturation int
	Value      int
}

// DefaultState is the power-on state: on, white at full brightness.
var DefaultState = State{On: true, Hue: 0, Saturation: 100, Value: 100}

// Logger defines the logging interface used by the Light.
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

// Options configures a Light.
type Options struct {
	// Driver is required.
	Driver Driver

	// Initial defaults to DefaultState.
	Initial *State

	// BlinkPeriod is the identify on/off period. Defaults to 300ms.
	BlinkPeriod time.Duration

	// Logger is optional.
	Logger Logger
}

// Light is the lightbulb device. It implements device.Accessor.
//
// Every accepted set marks the light changed; Run turns changes into
// property reports, coalescing bursts such as a multi-property control.
type Light struct {
	driver      Driver
	blinkPeriod time.Duration
	logger      Logger

	mu    sync.Mutex
	state State

	changed     chan struct{}
	identifying atomic.Bool
	wg          sync.WaitGroup
}

// New creates a light and applies its initial state.
func New(opts Options) (*Light, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("driver is required")
	}
	l := &Light{
		driver:      opts.Driver,
		blinkPeriod: opts.BlinkPeriod,
		logger:      opts.Logger,
		state:       DefaultState,
		changed:     make(chan struct{}, 1),
	}
	if opts.Initial != nil {
		l.state = *opts.Initial
	}
	if l.blinkPeriod <= 0 {
		l.blinkPeriod = 300 * time.Millisecond
	}
	if l.logger == nil {
		l.logger = noopLogger{}
	}
	if err := l.driver.Apply(l.state); err != nil {
		return nil, fmt.Errorf("applying initial state: %w", err)
	}
	return l, nil
}

// Register declares the light's properties and actions on reg and binds
// the light as its accessor.
func (l *Light) Register(reg *device.Registry) {
	s := l.State()
	reg.RegisterProperty(PropPowerSwitch, device.TypeBool, device.BoolValue(s.On))
	reg.RegisterProperty(PropHue, device.TypeInt, device.IntValue(int64(s.Hue)))
	reg.RegisterProperty(PropSaturation, device.TypeInt, device.IntValue(int64(s.Saturation)))
	reg.RegisterProperty(PropValue, device.TypeInt, device.IntValue(int64(s.Value)))
	reg.RegisterAction(ActionIdentify, l.identify)
	reg.BindAccessor(l)
}

// State returns the current output.
func (l *Light) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// GetProperty implements device.Accessor.
func (l *Light) GetProperty(id string) (device.Value, error) {
	s := l.State()
	switch id {
	case PropPowerSwitch:
		return device.BoolValue(s.On), nil
	case PropHue:
		return device.IntValue(int64(s.Hue)), nil
	case PropSaturation:
		return device.IntValue(int64(s.Saturation)), nil
	case PropValue:
		return device.IntValue(int64(s.Value)), nil
	default:
		return device.Value{}, fmt.Errorf("%w: %s", ErrUnknownProperty, id)
	}
}

// SetProperty implements device.Accessor. The new state is applied
// through the driver; a driver failure leaves the old state in place.
func (l *Light) SetProperty(id string, v device.Value) error {
	l.mu.Lock()
	next := l.state
	var err error
	switch id {
	case PropPowerSwitch:
		var b device.Value
		if b, err = v.Coerce(device.TypeBool); err == nil {
			next.On = b.Bool
		}
	case PropHue:
		next.Hue, err = intInRange(id, v, maxHue)
	case PropSaturation:
		next.Saturation, err = intInRange(id, v, maxPercent)
	case PropValue:
		next.Value, err = intInRange(id, v, maxPercent)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownProperty, id)
	}
	if err == nil {
		if err = l.driver.Apply(next); err == nil {
			l.state = next
		} else {
			err = fmt.Errorf("driver: %w", err)
		}
	}
	l.mu.Unlock()

	if err != nil {
		return err
	}
	l.logger.Debug("property set", "property", id, "value", v.String())
	l.markChanged()
	return nil
}

func intInRange(id string, v device.Value, limit int64) (int, error) {
	iv, err := v.Coerce(device.TypeInt)
	if err != nil {
		return 0, err
	}
	if iv.Int < 0 || iv.Int > limit {
		return 0, fmt.Errorf("%w: %s=%d, want 0..%d", ErrOutOfRange, id, iv.Int, limit)
	}
	return int(iv.Int), nil
}

func (l *Light) markChanged() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// Run calls report after changes until ctx ends. Changes made while a
// report is in flight produce one more report.
func (l *Light) Run(ctx context.Context, report func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.changed:
			if err := report(ctx); err != nil {
				l.logger.Warn("reporting light state failed", "error", err)
			}
		}
	}
}

// identify handles the identify action: {"times": N} blinks N times,
// 3 by default. The blink runs in the background.
func (l *Light) identify(_ context.Context, reply *device.ActionReply, params device.Params) error {
	times := int64(defaultBlinks)
	if v, ok := params.Lookup("times"); ok {
		iv, err := v.Coerce(device.TypeInt)
		if err != nil {
			return err
		}
		times = iv.Int
	}
	if times < 1 || times > maxBlinks {
		return fmt.Errorf("%w: times=%d, want 1..%d", ErrOutOfRange, times, maxBlinks)
	}
	if !l.identifying.CompareAndSwap(false, true) {
		return ErrIdentifyBusy
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.identifying.Store(false)
		l.blink(int(times))
	}()

	reply.Params.AddInt("times", times)
	return nil
}

// blink toggles the output and restores the current state afterwards.
func (l *Light) blink(times int) {
	l.logger.Info("identify", "times", times)
	for i := 0; i < times; i++ {
		for _, on := range []bool{false, true} {
			s := l.State()
			s.On = on
			if err := l.driver.Apply(s); err != nil {
				l.logger.Warn("identify blink failed", "error", err)
				return
			}
			time.Sleep(l.blinkPeriod / 2)
		}
	}
	if err := l.driver.Apply(l.State()); err != nil {
		l.logger.Warn("restoring light after identify failed", "error", err)
	}
}

// Close waits for a running identify to finish.
func (l *Light) Close() {
	l.wg.Wait()
}
