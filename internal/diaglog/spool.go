package diaglog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nerrad567/qcloud-device/internal/notify"
)

// Notifier receives the flash-full event. *notify.Bus satisfies it.
type Notifier interface {
	Post(t notify.Type, payload []byte) bool
}

// Spool is the flash sink: an append-only file of CBOR records capped
// at a maximum size. The first record that does not fit posts
// EventLogFlashFull; later ones are dropped quietly until Reset.
type Spool struct {
	path     string
	maxSize  int64
	notifier Notifier

	mu     sync.Mutex
	file   *os.File
	size   int64
	full   bool
	closed bool
}

// OpenSpool opens or creates the spool at path. maxSize <= 0 means
// unbounded. notifier may be nil.
func OpenSpool(path string, maxSize int64, notifier Notifier) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("stat spool: %w", err)
	}
	return &Spool{
		path:     path,
		maxSize:  maxSize,
		notifier: notifier,
		file:     f,
		size:     info.Size(),
	}, nil
}

// Path returns the spool file path.
func (s *Spool) Path() string {
	return s.path
}

// Size returns the bytes currently spooled.
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Full reports whether a record has been refused for lack of space.
func (s *Spool) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full
}

// Write appends rec. It returns ErrSpoolFull when rec would exceed the cap.
func (s *Spool) Write(rec Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}
	if s.maxSize > 0 && s.size+int64(len(data)) > s.maxSize {
		if !s.full {
			s.full = true
			if s.notifier != nil {
				s.notifier.Post(notify.EventLogFlashFull, nil)
			}
		}
		return ErrSpoolFull
	}

	n, err := s.file.Write(data)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing spool: %w", err)
	}
	return nil
}

// Reset empties the spool and clears the full flag.
func (s *Spool) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating spool: %w", err)
	}
	s.size = 0
	s.full = false
	return nil
}

// Close closes the spool file. It is safe to call more than once.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// ReadSpool returns every record in the spool file at path, oldest first.
// A record cut short at the end of the file is ignored.
func ReadSpool(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := newRecordDecoder(f)
	var recs []Record
	for {
		var r Record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return recs, nil
		}
		if err != nil {
			return recs, fmt.Errorf("decoding record %d: %w", len(recs), err)
		}
		recs = append(recs, r)
	}
}
