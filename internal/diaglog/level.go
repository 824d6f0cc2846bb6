package diaglog

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/logging"
)

// Level is a sink level. A sink accepts records at or below its level;
// LevelNone disables the sink.
type Level int

// Levels, most severe first.
const (
	LevelNone Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelVerbose
)

// String returns the level name used in configuration.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	return l >= LevelNone && l <= LevelVerbose
}

// accepts reports whether a sink at level l takes a record at rec.
func (l Level) accepts(rec Level) bool {
	return l != LevelNone && rec != LevelNone && rec <= l
}

// tag is the three-letter level used in uploaded log headers.
func (l Level) tag() string {
	switch l {
	case LevelError:
		return "ERR"
	case LevelWarn:
		return "WRN"
	case LevelInfo:
		return "INF"
	case LevelDebug, LevelVerbose:
		return "DBG"
	default:
		return "DIS"
	}
}

// letter is the single-letter level used by the local text sink.
func (l Level) letter() string {
	switch l {
	case LevelError:
		return "E"
	case LevelWarn:
		return "W"
	case LevelInfo:
		return "I"
	case LevelDebug:
		return "D"
	case LevelVerbose:
		return "V"
	default:
		return "N"
	}
}

// ParseLevel parses a configuration level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return LevelNone, nil
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "verbose":
		return LevelVerbose, nil
	default:
		return LevelNone, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

// FromSlog maps an slog level onto the sink levels.
func FromSlog(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	case l > logging.LevelVerbose:
		return LevelDebug
	default:
		return LevelVerbose
	}
}
