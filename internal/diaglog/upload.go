package diaglog

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // the log endpoint verifies HMAC-SHA1
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Header field widths of an uploaded log frame.
const (
	sigLen        = 40
	ctrlLen       = 4
	productIDLen  = 10
	deviceNameLen = 48
	timestampLen  = 10
	levelLen      = 3
	logTimeLen    = 21

	headerLen = sigLen + ctrlLen + productIDLen + deviceNameLen + timestampLen + levelLen + logTimeLen
)

const maxResponseLen = 128

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	// URL is the device log endpoint.
	URL string

	ProductID    string
	DeviceName   string
	DeviceSecret string

	// Connected gates uploads; records are skipped while it returns false.
	Connected func() bool

	// Client defaults to a client with a 10s timeout.
	Client *http.Client
}

// Uploader is the iothub sink. It posts each record to the device log
// endpoint as a signed frame.
type Uploader struct {
	url       string
	productID string
	device    string
	secret    []byte
	connected func() bool
	client    *http.Client
}

// NewUploader creates an uploader.
func NewUploader(opts UploaderOptions) (*Uploader, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("upload url is required")
	}
	if opts.ProductID == "" || opts.DeviceName == "" {
		return nil, fmt.Errorf("product id and device name are required")
	}
	if opts.DeviceSecret == "" {
		return nil, fmt.Errorf("device secret is required")
	}
	if opts.Connected == nil {
		return nil, fmt.Errorf("connected func is required")
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Uploader{
		url:       opts.URL,
		productID: opts.ProductID,
		device:    opts.DeviceName,
		secret:    []byte(opts.DeviceSecret),
		connected: opts.Connected,
		client:    client,
	}, nil
}

// Upload posts rec. It returns ErrNotConnected while the hub is offline.
func (u *Uploader) Upload(ctx context.Context, rec Record) error {
	if !u.connected() {
		return ErrNotConnected
	}

	frame := BuildFrame(u.productID, u.device, u.secret, rec)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseLen)) //nolint:errcheck // Response body is informational
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %s: %s", ErrUploadFailed, resp.Status, bytes.TrimSpace(body))
	}
	return nil
}

// BuildFrame lays out one upload frame: a '#'-padded header of signature,
// control bytes, product id, device name, unix timestamp, level tag and
// "|date time|", followed by the message. The signature is the hex
// HMAC-SHA1 of everything after it, keyed with the device secret.
func BuildFrame(productID, deviceName string, secret []byte, rec Record) []byte {
	frame := make([]byte, headerLen+len(rec.Message))
	for i := 0; i < headerLen; i++ {
		frame[i] = '#'
	}

	off := sigLen
	put := func(width int, s string) {
		copy(frame[off:off+width], s)
		off += width
	}
	put(ctrlLen, "P")
	put(productIDLen, productID)
	put(deviceNameLen, deviceName)
	put(timestampLen, fmt.Sprintf("%010d", rec.Time.Unix()))
	put(levelLen, rec.Level.tag())
	put(logTimeLen, rec.Time.Format("|2006-01-02 15:04:05|"))
	copy(frame[headerLen:], rec.Message)

	mac := hmac.New(sha1.New, secret)
	mac.Write(frame[sigLen:])
	hex.Encode(frame[:sigLen], mac.Sum(nil))
	return frame
}
