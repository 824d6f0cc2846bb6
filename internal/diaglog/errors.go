package diaglog

import "errors"

var (
	// ErrInvalidLevel is returned for a level outside none..verbose.
	ErrInvalidLevel = errors.New("diaglog: invalid level")

	// ErrSpoolFull is returned when a record does not fit in the flash spool.
	ErrSpoolFull = errors.New("diaglog: flash spool full")

	// ErrNotConnected is returned by the uploader while the hub is offline.
	ErrNotConnected = errors.New("diaglog: hub not connected")

	// ErrUploadFailed is returned when the log endpoint rejects an upload.
	ErrUploadFailed = errors.New("diaglog: upload failed")
)
