// Package diaglog is the device's diagnostic log pipeline.
//
// Records from the application logger are routed to four sinks, each
// with its own level:
//
//   - uart: the console handler the pipeline wraps
//   - flash: a size-capped CBOR spool on disk (Spool)
//   - iothub: signed HTTP uploads to the device log endpoint (Uploader)
//   - local: a plain text writer
//
// Console output happens on the caller's goroutine. The other sinks are
// fed through a bounded queue drained by Run, so logging never blocks on
// disk or network. The levels are persisted under the log_config key and
// the iothub level can be changed remotely through SetIotHubLevel.
package diaglog
