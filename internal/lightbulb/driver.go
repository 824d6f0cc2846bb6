package lightbulb

// Driver applies a state to the lamp hardware.
type Driver interface {
	Apply(s State) error
}

// LogDriver is a Driver for hosts without a lamp: it only logs.
type LogDriver struct {
	Logger Logger
}

// Apply logs s.
func (d LogDriver) Apply(s State) error {
	if d.Logger != nil {
		d.Logger.Info("light output",
			"on", s.On,
			"hue", s.Hue,
			"saturation", s.Saturation,
			"value", s.Value)
	}
	return nil
}
