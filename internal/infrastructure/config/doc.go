// Package config loads the device configuration.
//
// Load starts from the firmware defaults, overlays the YAML file and then
// QCLOUD_* environment variables, and validates the result. Identity
// lengths are left to the device profile, which enforces them with the
// auth grace delay.
//
// Keep the device secret out of the file where possible and pass it as
// QCLOUD_DEVICE_SECRET; a file that does hold it should be mode 0600.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
//	host := cfg.BrokerHost() // {product_id}.iotcloud.tencentdevices.com
package config
