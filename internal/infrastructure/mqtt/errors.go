package mqtt

import "errors"

// Sentinel errors. Callers match them with errors.Is.
var (
	// ErrNotConnected is returned while the connection is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed wraps any failure of the initial connect.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrAuthRejected is returned, wrapped in ErrConnectionFailed, when the
	// hub refuses the username, password or client certificate. Retrying
	// with the same credentials will not help.
	ErrAuthRejected = errors.New("mqtt: hub rejected device credentials")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for QoS 2; the hub accepts 0 and 1 only.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0 or 1)")

	// ErrInvalidTopic is returned for an empty topic or a wildcard publish.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrTimeout is wrapped when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
