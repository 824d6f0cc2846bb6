package ota

import "errors"

// Domain errors for the ota package.
var (
	// ErrImageValidation is returned when a firmware image is for the
	// running version, for another project, or fails its checksum.
	ErrImageValidation = errors.New("ota: image validation failed")

	// ErrBusy is returned when an update command arrives while another
	// update is in flight.
	ErrBusy = errors.New("ota: update already in progress")

	// ErrInvalidCommand is returned for an update command with missing fields.
	ErrInvalidCommand = errors.New("ota: invalid update command")

	// ErrStalled is returned when a download read makes no progress.
	ErrStalled = errors.New("ota: download stalled")

	// ErrCancelled is returned when an update is cancelled.
	ErrCancelled = errors.New("ota: update cancelled")
)
