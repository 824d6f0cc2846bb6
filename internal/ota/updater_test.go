package ota

import (
	"context"
	"crypto/md5" //nolint:gosec // matches the checksum under test
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage builds a firmware image of size bytes with a descriptor.
func testImage(version string, size int) []byte {
	img := make([]byte, size)
	copy(img, EncodeDescriptor(Descriptor{Version: version, ProjectName: "qcloud-light"}))
	for i := DescriptorSize; i < size; i++ {
		img[i] = byte(i)
	}
	return img
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // test checksum
	return hex.EncodeToString(sum[:])
}

func imageServer(t *testing.T, img []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fw.bin" {
			http.NotFound(w, r)
			return
		}
		w.Write(img) //nolint:errcheck // test server
	}))
	t.Cleanup(srv.Close)
	return srv
}

// stallingServer sends the first sent bytes of img, advertising the full
// length, then stops writing until the client goes away.
func stallingServer(t *testing.T, img []byte, sent int) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(img)))
		w.Write(img[:sent]) //nolint:errcheck // test server
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func drain(t *testing.T, sess Session) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		done, err := sess.Perform()
		require.NoError(t, err)
		if done {
			return
		}
	}
	t.Fatal("download did not finish")
}

func TestHTTPUpdater_Success(t *testing.T) {
	img := testImage("1.0.1", 5000)
	srv := imageServer(t, img)
	staging := filepath.Join(t.TempDir(), "ota", "fw.bin")

	u := NewHTTPUpdater(staging, time.Second)
	sess, err := u.Begin(context.Background(), srv.URL+"/fw.bin", int64(len(img)), md5Hex(img))
	require.NoError(t, err)

	desc, err := sess.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", desc.Version)
	assert.Equal(t, int64(DescriptorSize), sess.BytesRead())

	drain(t, sess)
	assert.Equal(t, int64(len(img)), sess.BytesRead())
	require.NoError(t, sess.Finish())

	staged, err := os.ReadFile(staging)
	require.NoError(t, err)
	assert.Equal(t, img, staged)
	_, err = os.Stat(staging + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestHTTPUpdater_ChecksumMismatch(t *testing.T) {
	img := testImage("1.0.1", 1000)
	srv := imageServer(t, img)
	staging := filepath.Join(t.TempDir(), "fw.bin")

	sess, err := NewHTTPUpdater(staging, time.Second).
		Begin(context.Background(), srv.URL+"/fw.bin", int64(len(img)), md5Hex([]byte("other")))
	require.NoError(t, err)
	_, err = sess.Descriptor()
	require.NoError(t, err)
	drain(t, sess)

	assert.ErrorIs(t, sess.Finish(), ErrImageValidation)
	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))
}

func TestHTTPUpdater_SizeMismatch(t *testing.T) {
	img := testImage("1.0.1", 1000)
	srv := imageServer(t, img)

	sess, err := NewHTTPUpdater(filepath.Join(t.TempDir(), "fw.bin"), time.Second).
		Begin(context.Background(), srv.URL+"/fw.bin", 2000, "")
	require.NoError(t, err)
	_, err = sess.Descriptor()
	require.NoError(t, err)
	drain(t, sess)

	assert.ErrorIs(t, sess.Finish(), ErrImageValidation)
}

func TestHTTPUpdater_NotFound(t *testing.T) {
	srv := imageServer(t, nil)

	_, err := NewHTTPUpdater(filepath.Join(t.TempDir(), "fw.bin"), time.Second).
		Begin(context.Background(), srv.URL+"/missing.bin", 10, "")
	assert.Error(t, err)
}

func TestHTTPUpdater_Abort(t *testing.T) {
	img := testImage("1.0.1", 1000)
	srv := imageServer(t, img)
	staging := filepath.Join(t.TempDir(), "fw.bin")

	sess, err := NewHTTPUpdater(staging, time.Second).
		Begin(context.Background(), srv.URL+"/fw.bin", int64(len(img)), "")
	require.NoError(t, err)
	require.NoError(t, sess.Abort())

	_, err = os.Stat(staging + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestHTTPUpdater_Stalled(t *testing.T) {
	img := testImage("1.0.1", 100000)
	srv := stallingServer(t, img, DescriptorSize+2000)

	sess, err := NewHTTPUpdater(filepath.Join(t.TempDir(), "fw.bin"), 200*time.Millisecond).
		Begin(context.Background(), srv.URL+"/fw.bin", int64(len(img)), "")
	require.NoError(t, err)
	defer sess.Abort() //nolint:errcheck // test cleanup

	_, err = sess.Descriptor()
	require.NoError(t, err)

	start := time.Now()
	for {
		done, err := sess.Perform()
		require.False(t, done, "stalled download reported complete")
		if err != nil {
			assert.ErrorIs(t, err, ErrStalled)
			break
		}
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Less(t, sess.BytesRead(), int64(len(img)))
}
