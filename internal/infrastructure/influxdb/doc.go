// Package influxdb mirrors device telemetry to InfluxDB v2.
//
// Property reports and OTA progress are written as points with batched,
// non-blocking writes. Telemetry is optional; Connect returns ErrDisabled
// when the influxdb section is off and callers run without it.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	client.WriteProperties(pid, dn, map[string]interface{}{"hue": int64(120)})
package influxdb
