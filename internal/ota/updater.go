package ota

import (
	"context"
	"crypto/md5" //nolint:gosec // the hub publishes MD5 image checksums
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Updater opens firmware downloads.
type Updater interface {
	// Begin starts downloading url. size and md5sum come from the update
	// command and are checked by Session.Finish.
	Begin(ctx context.Context, url string, size int64, md5sum string) (Session, error)
}

// Session is one firmware download in progress.
type Session interface {
	// Descriptor reads the image descriptor from the start of the image.
	Descriptor() (Descriptor, error)

	// Perform reads the next chunk. done is true once the image has been
	// read completely.
	Perform() (done bool, err error)

	// BytesRead returns how many image bytes have been read.
	BytesRead() int64

	// Finish validates the image and commits it.
	Finish() error

	// Abort discards the download.
	Abort() error
}

const defaultChunkSize = 1024

// HTTPUpdater downloads firmware over HTTP into a staging file.
// A committed image is renamed to StagingPath.
type HTTPUpdater struct {
	client      *http.Client
	stagingPath string
	chunkSize   int
	idle        time.Duration
}

// NewHTTPUpdater creates an updater. timeout bounds connecting, the wait
// for response headers and every body read. A read that delivers nothing
// within timeout fails with ErrStalled.
func NewHTTPUpdater(stagingPath string, timeout time.Duration) *HTTPUpdater {
	dialer := &net.Dialer{Timeout: timeout}
	return &HTTPUpdater{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
			},
		},
		stagingPath: stagingPath,
		chunkSize:   defaultChunkSize,
		idle:        timeout,
	}
}

// Begin issues the download request and opens the staging file.
func (u *HTTPUpdater) Begin(ctx context.Context, url string, size int64, md5sum string) (Session, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("requesting image: %w", err)
	}
	fail := func() {
		resp.Body.Close() //nolint:errcheck // Best effort cleanup on error path
		cancel()
	}
	if resp.StatusCode != http.StatusOK {
		fail()
		return nil, fmt.Errorf("requesting image: unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(u.stagingPath), 0o755); err != nil {
		fail()
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	partPath := u.stagingPath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		fail()
		return nil, fmt.Errorf("creating staging file: %w", err)
	}

	sum := md5.New() //nolint:gosec // checksum, not a security boundary
	return &httpSession{
		body:      resp.Body,
		cancel:    cancel,
		idle:      u.idle,
		file:      file,
		partPath:  partPath,
		finalPath: u.stagingPath,
		sum:       sum,
		out:       io.MultiWriter(file, sum),
		size:      size,
		md5sum:    md5sum,
		buf:       make([]byte, u.chunkSize),
	}, nil
}

// httpSession streams a response body into the staging file.
type httpSession struct {
	body      io.ReadCloser
	cancel    context.CancelFunc
	idle      time.Duration
	stalled   atomic.Bool
	file      *os.File
	partPath  string
	finalPath string
	sum       hash.Hash
	out       io.Writer
	size      int64
	md5sum    string
	buf       []byte
	read      int64
	eof       bool
	closed    bool
}

func (s *httpSession) Descriptor() (Descriptor, error) {
	header := make([]byte, DescriptorSize)
	n, err := s.watch(func() (int, error) { return io.ReadFull(s.body, header) })
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading image header after %d bytes: %w", n, err)
	}
	if err := s.write(header); err != nil {
		return Descriptor{}, err
	}
	return ParseDescriptor(header)
}

func (s *httpSession) Perform() (bool, error) {
	if s.eof {
		return true, nil
	}

	n, err := s.watch(func() (int, error) { return s.body.Read(s.buf) })
	if n > 0 {
		if werr := s.write(s.buf[:n]); werr != nil {
			return false, werr
		}
	}
	if errors.Is(err, io.EOF) {
		s.eof = true
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading image: %w", err)
	}
	return false, nil
}

// watch runs read with the idle deadline armed. When the deadline passes
// the request is cancelled, which unblocks the read, and the error is
// reported as ErrStalled.
func (s *httpSession) watch(read func() (int, error)) (int, error) {
	if s.idle <= 0 {
		return read()
	}
	timer := time.AfterFunc(s.idle, func() {
		s.stalled.Store(true)
		s.cancel()
	})
	n, err := read()
	timer.Stop()
	if s.stalled.Load() {
		return n, fmt.Errorf("%w: no data for %v after %d bytes", ErrStalled, s.idle, s.read+int64(n))
	}
	return n, err
}

func (s *httpSession) write(p []byte) error {
	if _, err := s.out.Write(p); err != nil {
		return fmt.Errorf("writing staging file: %w", err)
	}
	s.read += int64(len(p))
	return nil
}

func (s *httpSession) BytesRead() int64 {
	return s.read
}

// Finish checks size and checksum, then renames the staging file into
// place. A mismatch discards the image and returns ErrImageValidation.
func (s *httpSession) Finish() error {
	if err := s.close(); err != nil {
		os.Remove(s.partPath) //nolint:errcheck // Best effort cleanup on error path
		return err
	}

	if s.size > 0 && s.read != s.size {
		os.Remove(s.partPath) //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("%w: read %d bytes, expected %d", ErrImageValidation, s.read, s.size)
	}
	if s.md5sum != "" {
		if got := hex.EncodeToString(s.sum.Sum(nil)); got != s.md5sum {
			os.Remove(s.partPath) //nolint:errcheck // Best effort cleanup on error path
			return fmt.Errorf("%w: md5 %s, expected %s", ErrImageValidation, got, s.md5sum)
		}
	}

	if err := os.Rename(s.partPath, s.finalPath); err != nil {
		return fmt.Errorf("committing image: %w", err)
	}
	return nil
}

func (s *httpSession) Abort() error {
	err := s.close()
	if rerr := os.Remove(s.partPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

func (s *httpSession) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	berr := s.body.Close()
	s.cancel()
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}
	return berr
}
