package diaglog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
	"github.com/nerrad567/qcloud-device/internal/storage"
)

// Config holds the level of each sink.
type Config struct {
	UART   Level `json:"uart"`
	Flash  Level `json:"flash"`
	IotHub Level `json:"iothub"`
	Local  Level `json:"local"`
}

// Validate checks every level is known.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, l Level) {
		if !l.Valid() {
			errs = append(errs, fmt.Errorf("%s: %w: %d", name, ErrInvalidLevel, int(l)))
		}
	}
	check("uart", c.UART)
	check("flash", c.Flash)
	check("iothub", c.IotHub)
	check("local", c.Local)
	return errors.Join(errs...)
}

// ConfigFromSettings converts the diag_log section of the device config.
func ConfigFromSettings(s config.DiagLogConfig) (Config, error) {
	var (
		c    Config
		errs []error
	)
	parse := func(name, v string) Level {
		l, err := ParseLevel(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("diag_log.%s: %w", name, err))
		}
		return l
	}
	c.UART = parse("uart_level", s.UARTLevel)
	c.Flash = parse("flash_level", s.FlashLevel)
	c.IotHub = parse("iothub_level", s.IotHubLevel)
	c.Local = parse("local_level", s.LocalLevel)
	return c, errors.Join(errs...)
}

// Store persists the sink levels. *storage.Store satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// LoadConfig returns the levels saved under log_config, or def when
// nothing valid is saved.
func LoadConfig(ctx context.Context, store Store, def Config) (Config, error) {
	raw, err := store.Get(ctx, storage.KeyLogConfig)
	if errors.Is(err, storage.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("loading log config: %w", err)
	}

	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return def, fmt.Errorf("decoding log config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return def, fmt.Errorf("stored log config: %w", err)
	}
	return c, nil
}

// SaveConfig writes the levels under log_config.
func SaveConfig(ctx context.Context, store Store, c Config) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding log config: %w", err)
	}
	return store.Set(ctx, storage.KeyLogConfig, raw)
}
