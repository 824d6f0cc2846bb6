package device

import (
	"errors"
	"fmt"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrPropertyAccess) {
//	    // report a failure code to the cloud
//	}
var (
	// ErrPropertyAccess is returned when the device accessor fails to get
	// or set a property, or a value cannot be used for a property.
	ErrPropertyAccess = errors.New("device: property access failed")

	// ErrNoAccessor is returned by report and control paths before an
	// Accessor has been bound.
	ErrNoAccessor = fmt.Errorf("%w: no accessor bound", ErrPropertyAccess)

	// ErrTypeMismatch is returned when a value cannot be coerced to the
	// declared type of its property.
	ErrTypeMismatch = fmt.Errorf("%w: type mismatch", ErrPropertyAccess)

	// ErrActionNotFound is returned when no action is registered under an id.
	ErrActionNotFound = errors.New("device: action not found")

	// ErrAuthConfigInvalid is returned when the device identity or
	// credentials are malformed.
	ErrAuthConfigInvalid = errors.New("device: auth config invalid")
)
