package device

import (
	"context"
	"fmt"
	"time"
)

// AuthMode selects how the device authenticates to the hub.
type AuthMode int

// Authentication modes.
const (
	AuthKey AuthMode = iota
	AuthCert
	AuthDynReg
)

// String returns the config name of the mode.
func (m AuthMode) String() string {
	switch m {
	case AuthKey:
		return "key"
	case AuthCert:
		return "cert"
	case AuthDynReg:
		return "dynreg"
	default:
		return fmt.Sprintf("AuthMode(%d)", int(m))
	}
}

// ParseAuthMode maps a config string to an AuthMode.
func ParseAuthMode(s string) (AuthMode, error) {
	switch s {
	case "key", "":
		return AuthKey, nil
	case "cert":
		return AuthCert, nil
	case "dynreg":
		return AuthDynReg, nil
	default:
		return 0, fmt.Errorf("%w: unknown auth mode %q", ErrAuthConfigInvalid, s)
	}
}

// Identity lengths issued by the hub console.
const (
	productIDLen    = 10
	deviceSecretLen = 24
)

// Profile is the device identity.
type Profile struct {
	ProductID    string
	DeviceName   string
	Version      string
	AuthMode     AuthMode
	DeviceSecret string
	CertPEM      []byte
	KeyPEM       []byte
}

// Validate checks the identity and the secret material for the auth mode.
func (p Profile) Validate() error {
	if len(p.ProductID) != productIDLen {
		return fmt.Errorf("%w: product id must be %d characters, got %d",
			ErrAuthConfigInvalid, productIDLen, len(p.ProductID))
	}
	if p.DeviceName == "" {
		return fmt.Errorf("%w: device name is empty", ErrAuthConfigInvalid)
	}

	switch p.AuthMode {
	case AuthKey:
		if len(p.DeviceSecret) != deviceSecretLen {
			return fmt.Errorf("%w: device secret must be %d characters, got %d",
				ErrAuthConfigInvalid, deviceSecretLen, len(p.DeviceSecret))
		}
	case AuthCert:
		if len(p.CertPEM) == 0 || len(p.KeyPEM) == 0 {
			return fmt.Errorf("%w: cert mode requires a certificate and private key", ErrAuthConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: auth mode %s is not supported", ErrAuthConfigInvalid, p.AuthMode)
	}

	return nil
}

// ValidateWithGrace validates p and, on failure, waits delay before
// returning the error so a crash-restart loop cannot hammer the hub.
// Cancelling ctx ends the wait early.
func (p Profile) ValidateWithGrace(ctx context.Context, delay time.Duration) error {
	err := p.Validate()
	if err == nil {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return err
}
