package diaglog

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"none", LevelNone},
		{"", LevelNone},
		{"ERROR", LevelError},
		{"warning", LevelWarn},
		{"info", LevelInfo},
		{" debug ", LevelDebug},
		{"verbose", LevelVerbose},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestFromSlog(t *testing.T) {
	assert.Equal(t, LevelError, FromSlog(slog.LevelError))
	assert.Equal(t, LevelWarn, FromSlog(slog.LevelWarn))
	assert.Equal(t, LevelInfo, FromSlog(slog.LevelInfo))
	assert.Equal(t, LevelDebug, FromSlog(slog.LevelDebug))
	assert.Equal(t, LevelVerbose, FromSlog(logging.LevelVerbose))
}

func TestLevel_Accepts(t *testing.T) {
	assert.False(t, LevelNone.accepts(LevelError), "none disables the sink")
	assert.True(t, LevelWarn.accepts(LevelError))
	assert.True(t, LevelWarn.accepts(LevelWarn))
	assert.False(t, LevelWarn.accepts(LevelInfo))
	assert.True(t, LevelVerbose.accepts(LevelVerbose))
}

func TestLevel_Tag(t *testing.T) {
	assert.Equal(t, "ERR", LevelError.tag())
	assert.Equal(t, "WRN", LevelWarn.tag())
	assert.Equal(t, "INF", LevelInfo.tag())
	assert.Equal(t, "DBG", LevelDebug.tag())
	assert.Equal(t, "DBG", LevelVerbose.tag())
	assert.Equal(t, "DIS", LevelNone.tag())
}
