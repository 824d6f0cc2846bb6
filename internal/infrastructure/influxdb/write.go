package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the device.
const (
	measurementProperties  = "device_properties"
	measurementOTAProgress = "ota_progress"
)

// WriteProperties records one property report.
//
// Each property becomes a field of a single point tagged with the device
// identity. Bool fields are written as bools, numbers as float64 or int64.
//
// Example:
//
//	client.WriteProperties("ABCDEFGHIJ", "light-01",
//	    map[string]interface{}{"power_switch": true, "hue": int64(120)})
func (c *Client) WriteProperties(productID, deviceName string, fields map[string]interface{}) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		measurementProperties,
		map[string]string{
			"product_id":  productID,
			"device_name": deviceName,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteOTAProgress records one firmware update progress report.
//
// Parameters:
//   - taskID: Identifier of the update task (one per update command)
//   - version: Target firmware version
//   - state: downloading, burning, done or fail
//   - percent: Download progress 0-100
func (c *Client) WriteOTAProgress(taskID, version, state string, percent int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		measurementOTAProgress,
		map[string]string{
			"task_id": taskID,
			"version": version,
			"state":   state,
		},
		map[string]interface{}{
			"percent": int64(percent),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
