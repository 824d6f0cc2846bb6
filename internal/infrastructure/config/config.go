package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for a qcloud device.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Hub      HubConfig      `yaml:"hub"`
	OTA      OTAConfig      `yaml:"ota"`
	DiagLog  DiagLogConfig  `yaml:"diag_log"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig contains the device identity issued by the IoT hub console.
type DeviceConfig struct {
	ProductID    string `yaml:"product_id"`
	DeviceName   string `yaml:"device_name"`
	DeviceSecret string `yaml:"device_secret"`

	// AuthMode is "key" (device secret), "cert" (client certificate) or
	// "dynreg" (dynamic registration, recognised but not supported).
	AuthMode string `yaml:"auth_mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// Version is the running firmware version reported to the cloud.
	Version string `yaml:"version"`

	// ProjectName identifies the firmware project; OTA images for other
	// projects are rejected.
	ProjectName string `yaml:"project_name"`

	// HardwareInfo and SoftwareInfo are sent in report_info.
	HardwareInfo string `yaml:"hardware_info"`
	SoftwareInfo string `yaml:"software_info"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
// An empty Host selects the hub's per-product endpoint.
type MQTTBrokerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	TLS    bool   `yaml:"tls"`
	CAFile string `yaml:"ca_file"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// HubConfig contains IoT hub session settings.
type HubConfig struct {
	// BindTimeout bounds a blocking bind wait.
	BindTimeout time.Duration `yaml:"bind_timeout"`

	// BindRetry republishes app_bind_token until the cloud answers.
	BindRetry         bool          `yaml:"bind_retry"`
	BindRetryAttempts int           `yaml:"bind_retry_attempts"`
	BindRetryInterval time.Duration `yaml:"bind_retry_interval"`

	// AuthGraceDelay is how long startup waits before failing on an
	// invalid device identity.
	AuthGraceDelay time.Duration `yaml:"auth_grace_delay"`
}

// OTAConfig contains firmware update settings.
type OTAConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ForceHTTPS       bool          `yaml:"force_https"`
	SkipVersionCheck bool          `yaml:"skip_version_check"`
	SkipProjectCheck bool          `yaml:"skip_project_check"`
	RebootDelay      time.Duration `yaml:"reboot_delay"`
	// HTTPTimeout bounds connecting and each firmware body read.
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	StagingPath      string        `yaml:"staging_path"`
}

// DiagLogConfig contains the diagnostic log pipeline settings.
// Levels are one of: none, error, warn, info, debug, verbose.
type DiagLogConfig struct {
	UARTLevel    string `yaml:"uart_level"`
	FlashLevel   string `yaml:"flash_level"`
	IotHubLevel  string `yaml:"iothub_level"`
	LocalLevel   string `yaml:"local_level"`
	FlashPath    string `yaml:"flash_path"`
	FlashMaxSize int64  `yaml:"flash_max_size"`
	LocalPath    string `yaml:"local_path"`
	UploadURL    string `yaml:"upload_url"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: QCLOUD_SECTION_KEY
// For example: QCLOUD_DEVICE_SECRET, QCLOUD_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the firmware's defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			AuthMode:     "key",
			Version:      "0.0.1",
			ProjectName:  "qcloud-light",
			HardwareInfo: "linux",
			SoftwareInfo: "qcloud-device",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Port: 8883,
				TLS:  true,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Hub: HubConfig{
			BindTimeout:       40 * time.Second,
			BindRetryAttempts: 3,
			BindRetryInterval: 3 * time.Second,
			AuthGraceDelay:    3 * time.Second,
		},
		OTA: OTAConfig{
			Enabled:     true,
			RebootDelay: 10 * time.Second,
			HTTPTimeout: 5 * time.Second,
			StagingPath: "./data/ota.bin",
		},
		DiagLog: DiagLogConfig{
			UARTLevel:    "info",
			FlashLevel:   "warn",
			IotHubLevel:  "none",
			LocalLevel:   "none",
			FlashPath:    "./data/diag.cbor",
			FlashMaxSize: 64 * 1024,
			UploadURL:    "http://devicelog.iot.cloud.tencent.com/cgi-bin/report-log",
		},
		Database: DatabaseConfig{
			Path:        "./data/qcloud.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: QCLOUD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Device identity
	if v := os.Getenv("QCLOUD_PRODUCT_ID"); v != "" {
		cfg.Device.ProductID = v
	}
	if v := os.Getenv("QCLOUD_DEVICE_NAME"); v != "" {
		cfg.Device.DeviceName = v
	}
	if v := os.Getenv("QCLOUD_DEVICE_SECRET"); v != "" {
		cfg.Device.DeviceSecret = v
	}

	// MQTT
	if v := os.Getenv("QCLOUD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}

	// Database
	if v := os.Getenv("QCLOUD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("QCLOUD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// validLevels are the accepted diagnostic log level names.
var validLevels = map[string]bool{
	"none": true, "error": true, "warn": true, "info": true, "debug": true, "verbose": true,
}

// Validate checks the configuration for errors.
//
// Identity lengths are not checked here; the device profile performs that
// check at startup so that it can apply the auth grace delay.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ProductID == "" {
		errs = append(errs, "device.product_id is required")
	}
	if c.Device.DeviceName == "" {
		errs = append(errs, "device.device_name is required")
	}
	switch c.Device.AuthMode {
	case "key", "cert", "dynreg":
	default:
		errs = append(errs, "device.auth_mode must be key, cert or dynreg")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 1 {
		errs = append(errs, "mqtt.qos must be 0 or 1")
	}
	if c.MQTT.Broker.Port < 0 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 0 and 65535")
	}

	if c.Hub.BindTimeout <= 0 {
		errs = append(errs, "hub.bind_timeout must be positive")
	}
	if c.Hub.BindRetry && c.Hub.BindRetryAttempts < 1 {
		errs = append(errs, "hub.bind_retry_attempts must be at least 1")
	}

	if c.OTA.Enabled && c.OTA.StagingPath == "" {
		errs = append(errs, "ota.staging_path is required when ota is enabled")
	}

	for _, l := range []struct{ name, level string }{
		{"uart_level", c.DiagLog.UARTLevel},
		{"flash_level", c.DiagLog.FlashLevel},
		{"iothub_level", c.DiagLog.IotHubLevel},
		{"local_level", c.DiagLog.LocalLevel},
	} {
		if !validLevels[strings.ToLower(l.level)] {
			errs = append(errs, fmt.Sprintf("diag_log.%s %q is not a valid level", l.name, l.level))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BrokerHost returns the MQTT host, defaulting to the per-product hub endpoint.
func (c *Config) BrokerHost() string {
	if c.MQTT.Broker.Host != "" {
		return c.MQTT.Broker.Host
	}
	return fmt.Sprintf("%s.iotcloud.tencentdevices.com", c.Device.ProductID)
}
