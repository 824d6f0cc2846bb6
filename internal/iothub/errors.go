package iothub

import (
	"errors"

	"github.com/nerrad567/qcloud-device/internal/device"
	"github.com/nerrad567/qcloud-device/internal/ota"
)

// Domain errors for the iothub package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, iothub.ErrTimeout) {
//	    // bind was not confirmed in time
//	}
var (
	// ErrMalformedPayload is returned when an inbound message cannot be
	// decoded or lacks a required field.
	ErrMalformedPayload = errors.New("iothub: malformed payload")

	// ErrTransport is returned when a publish or subscribe fails.
	ErrTransport = errors.New("iothub: transport failure")

	// ErrTimeout is returned when a blocking bind is not answered in time.
	ErrTimeout = errors.New("iothub: timeout")

	// ErrBindRejected is returned when the cloud refuses a bind token.
	ErrBindRejected = errors.New("iothub: bind rejected")

	// ErrUnknownMethod is returned when a Method has no envelope mapping.
	ErrUnknownMethod = errors.New("iothub: unknown method type")
)

// Reply codes for each error kind.
const (
	CodeSuccess         = 0
	CodeMalformed       = 1
	CodePropertyAccess  = 2
	CodeNotFound        = 3
	CodeTransport       = 4
	CodeTimeout         = 5
	CodeImageValidation = 6
	CodeAuthConfig      = 7
	CodeFailure         = -1
)

// StatusFor maps an error to the code and status string sent in replies.
func StatusFor(err error) (int, string) {
	switch {
	case err == nil:
		return CodeSuccess, "success"
	case errors.Is(err, ErrMalformedPayload):
		return CodeMalformed, "malformed_payload"
	case errors.Is(err, device.ErrPropertyAccess):
		return CodePropertyAccess, "property_access_failure"
	case errors.Is(err, device.ErrActionNotFound):
		return CodeNotFound, "not_found"
	case errors.Is(err, ErrTransport):
		return CodeTransport, "transport_failure"
	case errors.Is(err, ErrTimeout):
		return CodeTimeout, "timeout"
	case errors.Is(err, ota.ErrImageValidation):
		return CodeImageValidation, "image_validation_failure"
	case errors.Is(err, device.ErrAuthConfigInvalid):
		return CodeAuthConfig, "auth_config_invalid"
	default:
		return CodeFailure, "failure"
	}
}
