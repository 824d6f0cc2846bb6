// Package logging is the device's structured logger, a thin layer over
// log/slog.
//
// Every record carries service and version fields. Levels run from
// verbose (below slog's debug) to error, and values logged under
// secret-bearing keys such as device_secret and token are redacted.
//
//	logging:
//	  level: "info"      # verbose, debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// The diagnostic log pipeline attaches through WrapHandler so the same
// calls also feed the flash spool and the cloud upload:
//
//	logger := logging.New(cfg.Logging, cfg.Device.Version)
//	logger = logger.WrapHandler(pipeline.Handler)
//	logger.Info("connected to hub", "product_id", pid)
package logging
