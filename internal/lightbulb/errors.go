package lightbulb

import "errors"

var (
	// ErrUnknownProperty is returned for a property the light does not have.
	ErrUnknownProperty = errors.New("lightbulb: unknown property")

	// ErrOutOfRange is returned when a value is outside the property's range.
	ErrOutOfRange = errors.New("lightbulb: value out of range")

	// ErrIdentifyBusy is returned while an identify blink is running.
	ErrIdentifyBusy = errors.New("lightbulb: identify already running")
)
