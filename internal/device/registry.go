package device

import (
	"context"
	"fmt"
	"sync"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Accessor is the device application's view of its own state.
//
// GetProperty returns the current value of a property. SetProperty applies
// a value from the cloud and returns an error if the device refuses it.
type Accessor interface {
	GetProperty(id string) (Value, error)
	SetProperty(id string, v Value) error
}

// ActionReply is filled by an action callback. Params become the reply's
// response object; a non-zero Code marks the action as failed.
type ActionReply struct {
	Params Params
	Code   int
}

// ActionFunc handles a cloud-invoked action.
//
// It runs synchronously on the MQTT handler goroutine and must not block
// for long. A returned error is reported to the cloud as a failure code.
type ActionFunc func(ctx context.Context, reply *ActionReply, params Params) error

// PropertyDescriptor declares one property. Default is the value
// restored by ResetToDefaults.
type PropertyDescriptor struct {
	ID      string
	Type    ValueType
	Default Value
}

type actionDescriptor struct {
	id string
	fn ActionFunc
}

// Registry holds the device profile, the declared properties and actions,
// and the bound Accessor.
//
// All public methods are thread-safe. Accessor and action callbacks are
// invoked without the registry lock held.
type Registry struct {
	mu         sync.RWMutex
	profile    Profile
	properties []PropertyDescriptor
	index      map[string]int
	actions    []actionDescriptor
	accessor   Accessor
	logger     Logger
}

// NewRegistry creates a registry for profile.
func NewRegistry(profile Profile) *Registry {
	return &Registry{
		profile: profile,
		index:   make(map[string]int),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Profile returns a copy of the device profile.
func (r *Registry) Profile() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profile
}

// SetVersion updates the running firmware version.
func (r *Registry) SetVersion(version string) {
	r.mu.Lock()
	r.profile.Version = version
	r.mu.Unlock()
}

// RegisterProperty declares a property. Registration is append-only;
// duplicates are not detected and lookups resolve to the first one.
func (r *Registry) RegisterProperty(id string, t ValueType, def Value) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[id]; !exists {
		r.index[id] = len(r.properties)
	}
	r.properties = append(r.properties, PropertyDescriptor{ID: id, Type: t, Default: def})
}

// RegisterAction declares an action. Registration is append-only.
func (r *Registry) RegisterAction(id string, fn ActionFunc) {
	r.mu.Lock()
	r.actions = append(r.actions, actionDescriptor{id: id, fn: fn})
	r.mu.Unlock()
}

// BindAccessor installs the device accessor, replacing any earlier one.
func (r *Registry) BindAccessor(a Accessor) {
	r.mu.Lock()
	r.accessor = a
	r.mu.Unlock()
}

// Properties returns the declared properties in registration order.
func (r *Registry) Properties() []PropertyDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PropertyDescriptor, len(r.properties))
	copy(out, r.properties)
	return out
}

// Defaults returns the declared default of each property in
// registration order. Properties declared without a default are skipped.
func (r *Registry) Defaults() Params {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(Params, 0, len(r.properties))
	for _, d := range r.properties {
		if d.Default.Type == TypeInvalid {
			continue
		}
		out = append(out, Param{ID: d.ID, Value: d.Default})
	}
	return out
}

// ResetToDefaults applies Defaults through the accessor with the same
// semantics as ApplyIncoming.
func (r *Registry) ResetToDefaults() (Params, error) {
	return r.ApplyIncoming(r.Defaults())
}

// snapshot returns the accessor and logger under the read lock.
func (r *Registry) snapshot() (Accessor, Logger) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessor, r.logger
}

// declaredType returns the type of property id, if declared.
func (r *Registry) declaredType(id string) (ValueType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return TypeInvalid, false
	}
	return r.properties[i].Type, true
}

// ApplyIncoming sets each incoming parameter through the accessor, in
// order, stopping at the first failure.
//
// Values of declared properties are coerced to the declared type first.
// Undeclared ids are passed through unchanged and the accessor decides.
// Parameters applied before a failure stay applied; they are returned
// along with the error.
func (r *Registry) ApplyIncoming(params Params) (Params, error) {
	accessor, logger := r.snapshot()
	if accessor == nil {
		return nil, ErrNoAccessor
	}

	applied := make(Params, 0, len(params))
	for _, p := range params {
		v := p.Value
		if t, ok := r.declaredType(p.ID); ok {
			coerced, err := v.Coerce(t)
			if err != nil {
				return applied, fmt.Errorf("setting %s: %w", p.ID, err)
			}
			v = coerced
		}

		if err := accessor.SetProperty(p.ID, v); err != nil {
			logger.Warn("set property failed", "property", p.ID, "value", v.String(), "error", err)
			return applied, fmt.Errorf("setting %s: %w: %w", p.ID, ErrPropertyAccess, err)
		}
		applied = append(applied, Param{ID: p.ID, Value: v})
	}

	return applied, nil
}

// CollectAll reads every declared property through the accessor, in
// registration order, stopping at the first failure.
//
// Each value is coerced to its declared type. On failure the properties
// read so far are returned along with the error.
func (r *Registry) CollectAll() (Params, error) {
	accessor, logger := r.snapshot()
	if accessor == nil {
		return nil, ErrNoAccessor
	}

	descriptors := r.Properties()
	out := make(Params, 0, len(descriptors))
	for _, d := range descriptors {
		v, err := accessor.GetProperty(d.ID)
		if err != nil {
			logger.Warn("get property failed", "property", d.ID, "error", err)
			return out, fmt.Errorf("getting %s: %w: %w", d.ID, ErrPropertyAccess, err)
		}
		v, err = v.Coerce(d.Type)
		if err != nil {
			return out, fmt.Errorf("getting %s: %w", d.ID, err)
		}
		out = append(out, Param{ID: d.ID, Value: v})
	}

	return out, nil
}

// LookupAction returns the first action registered under id.
func (r *Registry) LookupAction(id string) (ActionFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.actions {
		if a.id == id {
			return a.fn, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
}
