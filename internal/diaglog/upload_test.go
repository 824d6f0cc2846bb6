package diaglog

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // matches the endpoint's signature scheme
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProductID = "ABCDEFGHIJ"
	testDevice    = "light01"
	testSecret    = "c2VjcmV0LXNlY3JldC0xMjM="
)

func TestBuildFrame_Layout(t *testing.T) {
	rec := Record{
		Time:    time.Date(2026, 3, 1, 12, 30, 45, 0, time.Local),
		Level:   LevelInfo,
		Message: "hello",
	}
	frame := BuildFrame(testProductID, testDevice, []byte(testSecret), rec)

	require.Len(t, frame, 136+len("hello"))
	assert.Equal(t, 136, headerLen)

	off := 40
	field := func(width int) string {
		s := string(frame[off : off+width])
		off += width
		return s
	}
	assert.Equal(t, "P###", field(4))
	assert.Equal(t, testProductID, field(10))
	assert.Equal(t, testDevice+strings.Repeat("#", 48-len(testDevice)), field(48))
	assert.Regexp(t, `^\d{10}$`, field(10))
	assert.Equal(t, "INF", field(3))
	assert.Equal(t, "|2026-03-01 12:30:45|", field(21))
	assert.Equal(t, "hello", string(frame[off:]))

	mac := hmac.New(sha1.New, []byte(testSecret))
	mac.Write(frame[40:])
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), string(frame[:40]))
}

func TestBuildFrame_TruncatesLongNames(t *testing.T) {
	long := strings.Repeat("d", 60)
	frame := BuildFrame("ABCDEFGHIJKLMN", long, []byte(testSecret), testRecord("m"))

	assert.Equal(t, "ABCDEFGHIJ", string(frame[44:54]))
	assert.Equal(t, strings.Repeat("d", 48), string(frame[54:102]))
}

type uploadServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies [][]byte
	status atomic.Int32
}

func newUploadServer(t *testing.T) *uploadServer {
	t.Helper()
	s := &uploadServer{}
	s.status.Store(http.StatusOK)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		s.mu.Unlock()
		w.WriteHeader(int(s.status.Load()))
		_, _ = w.Write([]byte(`{"Retcode":0}`))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *uploadServer) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.bodies...)
}

func newTestUploader(t *testing.T, url string, connected *atomic.Bool) *Uploader {
	t.Helper()
	u, err := NewUploader(UploaderOptions{
		URL:          url,
		ProductID:    testProductID,
		DeviceName:   testDevice,
		DeviceSecret: testSecret,
		Connected:    connected.Load,
	})
	require.NoError(t, err)
	return u
}

func TestNewUploader_Validation(t *testing.T) {
	connected := func() bool { return true }
	tests := []struct {
		name string
		opts UploaderOptions
	}{
		{"no url", UploaderOptions{ProductID: "p", DeviceName: "d", DeviceSecret: "s", Connected: connected}},
		{"no identity", UploaderOptions{URL: "http://x", DeviceSecret: "s", Connected: connected}},
		{"no secret", UploaderOptions{URL: "http://x", ProductID: "p", DeviceName: "d", Connected: connected}},
		{"no connected func", UploaderOptions{URL: "http://x", ProductID: "p", DeviceName: "d", DeviceSecret: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewUploader(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestUploader_Upload(t *testing.T) {
	srv := newUploadServer(t)
	var connected atomic.Bool
	u := newTestUploader(t, srv.URL, &connected)

	err := u.Upload(context.Background(), testRecord("offline"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, srv.received())

	connected.Store(true)
	require.NoError(t, u.Upload(context.Background(), testRecord("online")))

	bodies := srv.received()
	require.Len(t, bodies, 1)
	assert.Equal(t, BuildFrame(testProductID, testDevice, []byte(testSecret), testRecord("online")), bodies[0])
}

func TestUploader_Rejected(t *testing.T) {
	srv := newUploadServer(t)
	srv.status.Store(http.StatusForbidden)
	var connected atomic.Bool
	connected.Store(true)
	u := newTestUploader(t, srv.URL, &connected)

	err := u.Upload(context.Background(), testRecord("denied"))
	assert.ErrorIs(t, err, ErrUploadFailed)
}
